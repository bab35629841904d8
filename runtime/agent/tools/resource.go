package tools

// Resource returns the canonical permission resource of a call: the tool's
// own canonicalization when it implements ResourceProvider, otherwise
// `name(<canonical args>)`.
func Resource(t Tool, args Args) string {
	if rp, ok := t.(ResourceProvider); ok {
		if r := rp.PermissionResource(args); r != "" {
			return r
		}
	}
	return t.Name() + "(" + args.Canonical() + ")"
}
