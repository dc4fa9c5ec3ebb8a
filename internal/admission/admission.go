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

// Package admission implements the Admission Controller (component D):
// it enforces the global and per-VM connection caps (I3) and allocates
// unique connection ids. It does not itself track live connections —
// the Connection Registry is the source of truth for current counts —
// so Check takes the caller's current snapshot rather than maintaining
// a second copy of the same state.
package admission

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/time/rate"
)

// Rejected is returned by Check when a cap is breached; the
// Dispatcher maps it to close code 1008.
type Rejected struct {
	Message string
}

func (e *Rejected) Error() string { return e.Message }

// Controller enforces globalMax and perVmMax and allocates
// connection-ids. It optionally also runs a per-source-IP token-bucket
// throttle, a secondary guard checked ahead of the global/per-VM caps
// so a single flooding client can't exhaust either before being cut
// off at the edge.
type Controller struct {
	globalMax int
	perVMMax  int
	counter   uint64

	ipRate     rate.Limit
	ipBurst    int
	ipLimiters sync.Map // string (ip) -> *rate.Limiter
}

// New creates a Controller with the given caps. perVMMax must already
// have been validated to be ≥ 17 by config.CheckAndSetDefaults. The
// per-IP throttle is disabled until SetIPRateLimit is called.
func New(globalMax, perVMMax int) *Controller {
	return &Controller{globalMax: globalMax, perVMMax: perVMMax}
}

// SetIPRateLimit enables the per-IP throttle: ratePerSecond sustained
// requests with a burst of burst. A ratePerSecond of 0 leaves the
// throttle disabled.
func (c *Controller) SetIPRateLimit(ratePerSecond float64, burst int) {
	c.ipRate = rate.Limit(ratePerSecond)
	c.ipBurst = burst
}

// AllowIP reports whether ip may attempt another connection, consuming
// one token from its bucket if so. Always true when the throttle is
// disabled. Limiters are created lazily, one per distinct source IP,
// and never evicted: this is acceptable because churn is bounded by
// the set of client IPs seen by one process in one run, not by
// connection volume.
func (c *Controller) AllowIP(ip string) bool {
	if c.ipRate <= 0 {
		return true
	}
	v, _ := c.ipLimiters.LoadOrStore(ip, rate.NewLimiter(c.ipRate, c.ipBurst))
	return v.(*rate.Limiter).Allow()
}

// Check enforces the global cap first, then the per-VM cap, against
// the caller-supplied current counts.
func (c *Controller) Check(globalCount, vmCount int) error {
	if globalCount >= c.globalMax {
		return trace.Wrap(&Rejected{Message: "Too many connections"})
	}
	if vmCount >= c.perVMMax {
		return trace.Wrap(&Rejected{Message: "Too many connections for this VM"})
	}
	return nil
}

// NextConnectionID allocates a connection-id of the form
// "{vmId}_{monotonic-counter}_{uuid}". The counter orders connections
// within this process for log correlation; the uuid suffix keeps ids
// unique across gateway replicas sharing the same vm-id, since the
// counter alone would collide across independent processes.
func (c *Controller) NextConnectionID(vmID string) string {
	n := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("%s_%d_%s", vmID, n, uuid.New().String())
}
