package outbox

const sessionStartedSchema = `{
  "type": "object",
  "title": "SessionStarted",
  "properties": {
    "session_id": {"type": "string"},
    "user_id": {"type": "string"},
    "start_time": {"type": "string", "format": "date-time"},
    "mode": {"type": "string"}
  },
  "required": ["session_id", "user_id", "start_time", "mode"],
  "additionalProperties": false
}`

const sessionEndedSchema = `{
  "type": "object",
  "title": "SessionEnded",
  "properties": {
    "session_id": {"type": "string"},
    "user_id": {"type": "string"},
    "start_time": {"type": "string", "format": "date-time"},
    "end_time": {"type": "string", "format": "date-time"},
    "duration_seconds": {"type": "integer"},
    "distance_km": {"type": "number"},
    "steps": {"type": "integer"},
    "calories": {"type": "number"},
    "average_speed": {"type": "number"},
    "max_speed": {"type": "number"}
  },
  "required": ["session_id", "user_id", "start_time", "end_time", "duration_seconds", "distance_km", "steps", "calories"],
  "additionalProperties": false
}`

const sessionAutoClosedSchema = `{
  "type": "object",
  "title": "SessionAutoClosed",
  "properties": {
    "session_id": {"type": "string"},
    "user_id": {"type": "string"},
    "start_time": {"type": "string", "format": "date-time"},
    "end_time": {"type": "string", "format": "date-time"},
    "duration_seconds": {"type": "integer"},
    "reason": {"type": "string"}
  },
  "required": ["session_id", "user_id", "start_time", "end_time", "duration_seconds", "reason"],
  "additionalProperties": false
}`
