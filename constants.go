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

// Package deskgate holds the component-name constants shared by every
// package's structured logging, the same "component:subcomponent"
// convention used throughout the pack this gateway is built from.
package deskgate

import "strings"

// Component name constants. Passed to Component() to build the
// "component" log field.
const (
	ComponentGateway    = "gateway"
	ComponentDispatcher = "dispatcher"
	ComponentResolver   = "resolver"
	ComponentSession    = "session"
	ComponentBearer     = "bearer"
	ComponentAdmission  = "admission"
	ComponentDial       = "dial"
	ComponentSplice     = "splice"
	ComponentHeartbeat  = "heartbeat"
	ComponentRegistry   = "registry"
)

// Component generates a "component:subcomponent1:subcomponent2" string
// used in structured logging fields.
func Component(components ...string) string {
	return strings.Join(components, ":")
}
