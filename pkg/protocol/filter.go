package protocol

import "encoding/json"

// FilterForHTTP drops streaming sub-events from an encoded envelope. Kept frames
// are copied byte for byte, so filtering a replayed envelope gives the same
// output as filtering the original.
func FilterForHTTP(raw []byte) ([]byte, error) {
	env, err := SplitEnvelope(raw)
	if err != nil {
		return nil, err
	}

	kept := make([]json.RawMessage, 0, len(env.Events))
	for _, ev := range env.Events {
		var head struct {
			Event EventName `json:"event"`
		}
		if err := json.Unmarshal(ev, &head); err != nil {
			return nil, err
		}
		if head.Event.Streaming() {
			continue
		}
		kept = append(kept, ev)
	}
	env.Events = kept

	return json.Marshal(env)
}
