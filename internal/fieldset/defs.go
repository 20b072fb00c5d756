package fieldset

// Def describes one output field for the schema a module exposes.
type Def struct {
	Name string
	Type string // "int", "bool", "string", "binary"
	Desc string
}

// ClassificationSuccessDefs are emitted by every probe module.
var ClassificationSuccessDefs = []Def{
	{Name: "classification", Type: "string", Desc: "packet classification"},
	{Name: "success", Type: "bool", Desc: "is response considered success"},
}

// ICMPDefs are the fields filled from an ICMP error, or null otherwise.
var ICMPDefs = []Def{
	{Name: "icmp_responder", Type: "string", Desc: "Source IP of ICMP_UNREACH messages"},
	{Name: "icmp_type", Type: "int", Desc: "icmp message type"},
	{Name: "icmp_code", Type: "int", Desc: "icmp message sub type code"},
	{Name: "icmp_unreach_str", Type: "string", Desc: "for icmp_unreach responses, the string version of icmp_code (e.g. network-unreach)"},
}

// SystemDefs are added by the capture loop around every module's fields.
var SystemDefs = []Def{
	{Name: "saddr", Type: "string", Desc: "source IP address of response"},
	{Name: "daddr", Type: "string", Desc: "destination IP address of response"},
	{Name: "ipid", Type: "int", Desc: "IP identification number of response"},
	{Name: "ttl", Type: "int", Desc: "time-to-live of response packet"},
}

// TimestampDefs close every record.
var TimestampDefs = []Def{
	{Name: "timestamp_str", Type: "string", Desc: "timestamp of when response arrived in ISO8601 format"},
}

// Concat joins def groups into one schema.
func Concat(groups ...[]Def) []Def {
	var n int
	for _, g := range groups {
		n += len(g)
	}
	out := make([]Def, 0, n)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Names returns the names of defs in order.
func Names(defs []Def) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}
