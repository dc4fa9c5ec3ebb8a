/*
Copyright 2026 The DeskGate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package splice

import "encoding/json"

// controlMessage is the JSON shape of a text-frame control message
// recognised from the client. Only the type field is decoded; any
// other fields are ignored.
type controlMessage struct {
	Type string `json:"type"`
}

const (
	controlTypePing      = "ping"
	controlTypePong      = "pong"
	controlTypeResize    = "resize"
	controlTypeQuality   = "quality"
	controlTypeClipboard = "clipboard"
	controlTypeError     = "error"
)

// parseControlMessage attempts to decode payload as a JSON control
// message. A non-JSON or non-object payload is reported via ok=false
// so the caller can fall back to treating it as raw binary per the
// legacy-client compatibility path.
func parseControlMessage(payload []byte) (controlMessage, bool) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return controlMessage{}, false
	}
	if msg.Type == "" {
		return controlMessage{}, false
	}
	return msg, true
}

func encodePong(timestampMS int64) []byte {
	b, _ := json.Marshal(struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{Type: controlTypePong, Timestamp: timestampMS})
	return b
}

func encodeError(message string) []byte {
	b, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: controlTypeError, Message: message})
	return b
}
