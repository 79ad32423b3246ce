package shadow

// SessionsSchema is the JSON schema for the persisted session list.
const SessionsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "additionalProperties": false,
    "required": ["version", "id", "transport", "state", "createdAt", "lastActivityAt", "messageStats", "isActive"],
    "properties": {
      "version": {"const": 1},
      "id": {"type": "string", "minLength": 1},
      "transport": {"type": "string"},
      "state": {
        "enum": ["CREATED", "INITIALIZING", "QR_PENDING", "AUTHENTICATED", "READY", "DISCONNECTED", "ERROR", "DESTROYED"]
      },
      "createdAt": {"type": "string", "format": "date-time"},
      "lastActivityAt": {"type": "string", "format": "date-time"},
      "messageStats": {
        "type": "object",
        "additionalProperties": false,
        "required": ["received", "sent", "errors"],
        "properties": {
          "received": {"type": "integer", "minimum": 0},
          "sent": {"type": "integer", "minimum": 0},
          "errors": {"type": "integer", "minimum": 0}
        }
      },
      "isActive": {"type": "boolean"}
    }
  }
}`

// HistorySchema is the JSON schema for one session's history document.
const HistorySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["version", "contacts"],
  "properties": {
    "version": {"const": 1},
    "contacts": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "additionalProperties": false,
          "required": ["direction", "text", "timestamp"],
          "properties": {
            "direction": {"enum": ["IN", "OUT"]},
            "text": {"type": "string"},
            "timestamp": {"type": "string", "format": "date-time"}
          }
        }
      }
    }
  }
}`
