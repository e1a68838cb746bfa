package toolapi

// Parameter schemas for the kernel endpoints. Validation happens before the
// handler runs, so handlers can assume well-formed input.

const taskSchemaFragment = `{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "enum": ["inference", "indexing", "shell", "container-exec", "debug-monitor"]},
		"payload": {"type": "string"},
		"params": {"type": "object"},
		"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
		"deadline_seconds": {"type": "number", "exclusiveMinimum": 0},
		"pool_kind": {"type": "string", "enum": ["local", "delegated", "container"]},
		"affinity_key": {"type": "string"}
	},
	"required": ["kind"],
	"additionalProperties": false
}`

const poolSpawnSchema = `{
	"type": "object",
	"properties": {
		"pool_id": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "enum": ["local", "delegated", "container"]},
		"min": {"type": "integer", "minimum": 0},
		"max": {"type": "integer", "minimum": 1},
		"strategy": {"type": "string", "enum": ["round-robin", "least-loaded", "random", "affinity"]},
		"queue_depth": {"type": "integer", "minimum": 1},
		"command": {"type": "array", "items": {"type": "string"}},
		"image": {"type": "string"},
		"peer": {"type": "string"},
		"priority": {"type": "integer"}
	},
	"required": ["pool_id", "kind", "max"],
	"additionalProperties": false
}`

const poolExecuteSchema = `{
	"type": "object",
	"properties": {
		"pool_id": {"type": "string", "minLength": 1},
		"task": ` + taskSchemaFragment + `
	},
	"required": ["pool_id", "task"],
	"additionalProperties": false
}`

const routeExecuteSchema = `{
	"type": "object",
	"properties": {
		"strategy": {"type": "string", "enum": ["round-robin", "least-loaded", "random", "affinity"]},
		"task": ` + taskSchemaFragment + `
	},
	"required": ["task"],
	"additionalProperties": false
}`

const poolScaleSchema = `{
	"type": "object",
	"properties": {
		"pool_id": {"type": "string", "minLength": 1},
		"target": {"type": "integer", "minimum": 0}
	},
	"required": ["pool_id", "target"],
	"additionalProperties": false
}`

const poolIDSchema = `{
	"type": "object",
	"properties": {
		"pool_id": {"type": "string", "minLength": 1}
	},
	"required": ["pool_id"],
	"additionalProperties": false
}`

const memorySearchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"k": {"type": "integer", "minimum": 1},
		"pools": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["query", "k"],
	"additionalProperties": false
}`

const workerSpawnSchema = `{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "enum": ["subprocess-ai", "container", "remote-delegate", "debug-monitor"]},
		"command": {"type": "array", "items": {"type": "string"}},
		"env": {"type": "array", "items": {"type": "string"}},
		"image": {"type": "string"},
		"container_command": {"type": "array", "items": {"type": "string"}},
		"peer": {"type": "string"},
		"snapshot_interval_seconds": {"type": "number", "exclusiveMinimum": 0}
	},
	"required": ["kind"],
	"additionalProperties": false
}`

const workerExecuteSchema = `{
	"type": "object",
	"properties": {
		"worker_id": {"type": "string", "minLength": 1},
		"task": ` + taskSchemaFragment + `
	},
	"required": ["worker_id", "task"],
	"additionalProperties": false
}`

const workerExecuteBatchSchema = `{
	"type": "object",
	"properties": {
		"worker_id": {"type": "string", "minLength": 1},
		"tasks": {"type": "array", "items": ` + taskSchemaFragment + `, "minItems": 1}
	},
	"required": ["worker_id", "tasks"],
	"additionalProperties": false
}`

const workerIDSchema = `{
	"type": "object",
	"properties": {
		"worker_id": {"type": "string", "minLength": 1}
	},
	"required": ["worker_id"],
	"additionalProperties": false
}`

const msgSendSchema = `{
	"type": "object",
	"properties": {
		"from": {"type": "string", "minLength": 1},
		"to": {"type": "string", "minLength": 1},
		"subject": {"type": "string"},
		"body": {"type": "string"},
		"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
		"context": {"type": "object", "additionalProperties": {"type": "string"}},
		"in_reply_to": {"type": "string"},
		"workflow_id": {"type": "string"}
	},
	"required": ["from", "to", "subject"],
	"additionalProperties": false
}`

const msgListSchema = `{
	"type": "object",
	"properties": {
		"repo": {"type": "string", "minLength": 1},
		"status": {"type": "string", "enum": ["unread", "read", "archived"]},
		"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
		"sender": {"type": "string"}
	},
	"required": ["repo"],
	"additionalProperties": false
}`

const msgAckSchema = `{
	"type": "object",
	"properties": {
		"message_id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "enum": ["read", "archived"]}
	},
	"required": ["message_id", "status"],
	"additionalProperties": false
}`

const msgForwardSchema = `{
	"type": "object",
	"properties": {
		"message_id": {"type": "string", "minLength": 1},
		"to": {"type": "string", "minLength": 1},
		"prepend": {"type": "string"}
	},
	"required": ["message_id", "to"],
	"additionalProperties": false
}`

const msgBroadcastSchema = `{
	"type": "object",
	"properties": {
		"from": {"type": "string", "minLength": 1},
		"recipients": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"subject": {"type": "string"},
		"body": {"type": "string"},
		"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
		"context": {"type": "object", "additionalProperties": {"type": "string"}},
		"workflow_id": {"type": "string"}
	},
	"required": ["from", "recipients", "subject"],
	"additionalProperties": false
}`
