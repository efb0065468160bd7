package spec

import (
	"strings"
)

// ResolveRef follows a local JSON pointer such as
// "#/parameters/per_page". Any missing segment yields (nil, false).
func (d *Document) ResolveRef(ref string) (any, bool) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, false
	}
	var cur any = d.raw
	for _, part := range strings.Split(ref[2:], "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ResolveParameter returns an inline parameter object as is and follows a
// {"$ref": ...} object or a bare "#/..." string.
func (d *Document) ResolveParameter(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		ref, ok := v["$ref"].(string)
		if !ok {
			return v, true
		}
		target, ok := d.ResolveRef(ref)
		if !ok {
			return nil, false
		}
		m, ok := target.(map[string]any)
		return m, ok
	case string:
		target, ok := d.ResolveRef(v)
		if !ok {
			return nil, false
		}
		m, ok := target.(map[string]any)
		return m, ok
	}
	return nil, false
}

// Parameter is a resolved parameter definition.
type Parameter struct {
	Name        string
	In          string
	Description string
	Required    bool
	Type        string
	Format      string
	ItemsType   string
	ItemsFormat string
	Default     any
	Enum        []any
	Minimum     *float64
	Maximum     *float64
}

// DataType renders the type the way the usage table shows it: arrays as
// Array[<item>], formatted strings by their format.
func (p Parameter) DataType() string {
	switch {
	case p.Type == "array":
		item := p.ItemsType
		if p.ItemsFormat != "" {
			item = p.ItemsFormat
		}
		return "Array[" + item + "]"
	case p.Type == "string" && p.Format != "":
		return p.Format
	}
	return p.Type
}

// ParamType is the location and display type of a parameter.
type ParamType struct {
	Location string `json:"parameter_type"`
	DataType string `json:"data_type"`
}

// Parameters lists the resolved GET parameters of path in declaration order.
// Path-item level parameters come first unless the operation redeclares
// them. Unresolvable entries are skipped.
func (d *Document) Parameters(path string) []Parameter {
	op, ok := d.Operation(path, "get")
	if !ok {
		return nil
	}
	item, _ := d.paths[path].(map[string]any)

	opParams := d.resolveList(op["parameters"])
	declared := map[string]bool{}
	for _, p := range opParams {
		declared[p.In+":"+p.Name] = true
	}
	var out []Parameter
	for _, p := range d.resolveList(item["parameters"]) {
		if !declared[p.In+":"+p.Name] {
			out = append(out, p)
		}
	}
	return append(out, opParams...)
}

func (d *Document) resolveList(raw any) []Parameter {
	list, _ := raw.([]any)
	var out []Parameter
	for _, entry := range list {
		m, ok := d.ResolveParameter(entry)
		if !ok {
			continue
		}
		p := d.parameterFrom(m)
		if p.Name == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (d *Document) parameterFrom(m map[string]any) Parameter {
	p := Parameter{}
	p.Name, _ = m["name"].(string)
	p.In, _ = m["in"].(string)
	p.Description, _ = m["description"].(string)
	p.Required, _ = m["required"].(bool)

	// OpenAPI 3 moves the type information into "schema".
	typed := m
	if _, ok := m["type"]; !ok {
		if schema, ok := d.ResolveParameter(m["schema"]); ok {
			typed = schema
		}
	}
	p.Type, _ = typed["type"].(string)
	p.Format, _ = typed["format"].(string)
	p.Enum, _ = typed["enum"].([]any)
	p.Minimum = number(typed["minimum"])
	p.Maximum = number(typed["maximum"])
	if items, ok := d.ResolveParameter(typed["items"]); ok {
		p.ItemsType, _ = items["type"].(string)
		p.ItemsFormat, _ = items["format"].(string)
	}

	p.Default = m["default"]
	if p.Default == nil {
		p.Default = typed["default"]
	}
	return p
}

func number(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

// ParameterTypes maps each GET parameter of path to its location and type.
func (d *Document) ParameterTypes(path string) map[string]ParamType {
	params := d.Parameters(path)
	out := make(map[string]ParamType, len(params))
	for _, p := range params {
		out[p.Name] = ParamType{Location: p.In, DataType: p.DataType()}
	}
	return out
}

// Usage describes how to call GET on a path.
type Usage struct {
	Path        string
	Method      string
	Summary     string
	Description string
	Parameters  []Parameter
}

// Usage returns the usage description of GET path.
func (d *Document) Usage(path string) (*Usage, bool) {
	op, ok := d.Operation(path, "get")
	if !ok {
		return nil, false
	}
	u := &Usage{Path: path, Method: "get", Parameters: d.Parameters(path)}
	u.Summary, _ = op["summary"].(string)
	u.Description, _ = op["description"].(string)
	if u.Description == "" {
		u.Description = "No description available"
	}
	return u, true
}
