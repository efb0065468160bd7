package config

// presets are the API servers bard knows without a config file.
var presets = map[string]string{
	"minka":       "https://minka-tfm.quanta-labs.com:4000/v1",
	"inaturalist": "https://api.inaturalist.org/v1",
}

// Preset returns the default instance for a built-in server name.
func Preset(name string) (Instance, bool) {
	u, ok := presets[name]
	if !ok {
		return Instance{}, false
	}
	inst := DefaultInstance()
	inst.APIURL = u
	return inst, true
}
