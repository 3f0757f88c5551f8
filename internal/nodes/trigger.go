package nodes

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/flowcanvas/pkg/schema"
)

const (
	TypeWebhook       = "webhook"
	TypeManualTrigger = "manualTrigger"
)

const triggerDataSchema = `{
  "type": "object",
  "properties": {
    "payload": {"type": ["object", "null"]},
    "path": {"type": "string"}
  }
}`

// WebhookNode starts a workflow from an inbound HTTP call. The endpoint is
// owned by the host; the payload it received arrives as the run trigger.
type WebhookNode struct{}

func (WebhookNode) Type() string { return TypeWebhook }

func (WebhookNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Starts the workflow with the payload of an inbound webhook call.",
		DataSchema:  json.RawMessage(triggerDataSchema),
		Trigger:     true,
	}
}

func (WebhookNode) Execute(_ context.Context, ec *ExecutionContext) (*Result, error) {
	if ec.Trigger != nil {
		return Ok(schema.CloneMap(ec.Trigger)), nil
	}
	if p := mapParam(ec.Node.Data, "payload"); p != nil {
		return Ok(schema.CloneMap(p)), nil
	}
	return Ok(map[string]any{}), nil
}

// ManualTriggerNode starts a workflow from the editor's run button.
type ManualTriggerNode struct {
	now func() time.Time
}

func (ManualTriggerNode) Type() string { return TypeManualTrigger }

func (ManualTriggerNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Starts the workflow manually, optionally with a fixed payload.",
		DataSchema:  json.RawMessage(triggerDataSchema),
		Trigger:     true,
	}
}

func (m ManualTriggerNode) Execute(_ context.Context, ec *ExecutionContext) (*Result, error) {
	out := map[string]any{}
	if p := mapParam(ec.Node.Data, "payload"); p != nil {
		out = schema.CloneMap(p)
	}
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	out["triggeredAt"] = now().UTC().Format(time.RFC3339)
	return Ok(out), nil
}
