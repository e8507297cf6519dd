package coap

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DumpMessage renders m as a compact JSON object for logging/tracing,
// independent of any content-format the message payload itself carries.
func DumpMessage(m Message) string {
	js := "{}"
	js, _ = sjson.Set(js, "type", m.Type.String())
	js, _ = sjson.Set(js, "code", m.Code.String())
	js, _ = sjson.Set(js, "id", m.MessageID)
	js, _ = sjson.Set(js, "token", fmt.Sprintf("%x", m.Token))
	for _, o := range m.AllOptions() {
		js, _ = sjson.Set(js, "options.-1", map[string]interface{}{
			"id":    uint16(o.ID),
			"value": fmt.Sprintf("%v", o.Value),
		})
	}
	js, _ = sjson.Set(js, "payloadLen", len(m.Payload))
	return js
}

// DumpField extracts a single gjson path from a DumpMessage result,
// e.g. DumpField(DumpMessage(m), "options.0.value").
func DumpField(dump, path string) string {
	return gjson.Get(dump, path).String()
}
