package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldCollection = "collection"
	FieldEntityID   = "id"
	FieldVersion    = "version"
	FieldOperation  = "operation"
	FieldError      = "error"
	FieldCount      = "count"
	FieldQuery      = "query"
	FieldLabel      = "label"
	FieldAmount     = "amount"
	FieldTimestamp  = "timestamp"
	FieldState      = "state"
)

// Components defines standard component names
const (
	ComponentApp    = "app"
	ComponentStore  = "store"
	ComponentRepair = "repair"
	ComponentQuery  = "query"
	ComponentSync   = "sync"
	ComponentCache  = "cache"
)

// Operations defines standard operation names
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpRepair  = "repair"
	OpPush    = "push"
	OpApply   = "apply"
	OpStartup = "startup"
)
