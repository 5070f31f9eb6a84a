package pipeline

// Schema mapping names are derived from the route id rather than
// carried as extra route configuration: every registered route
// implicitly owns a (gateway.incoming:<id> -> service.request:<id>)
// request mapping and a (service.response:<id> -> gateway.outgoing:<id>)
// response mapping slot. Routes that never call transformer.RegisterMapping
// for their id simply have no mapping, and step 5/8 fall through to
// forward-as-is, matching spec.md §4.8.
func incomingSchemaName(routeID string) string { return "gateway.incoming:" + routeID }
func requestSchemaName(routeID string) string  { return "service.request:" + routeID }
func responseSchemaName(routeID string) string { return "service.response:" + routeID }
func outgoingSchemaName(routeID string) string { return "gateway.outgoing:" + routeID }
