/*
 *   Copyright 2024 Martin Proffitt <mproffitt@choclab.net>
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */
package hardware

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// enumMu serializes device enumeration process wide. The transport
// below the Authenticator is not safe for concurrent access even
// across separate Cache instances.
var enumMu sync.Mutex

// DefaultTTL is how long a successful enumeration is reused before
// the transport is touched again.
const DefaultTTL = 2 * time.Second

// Cache wraps an Authenticator's Discover with process wide
// serialization and a short TTL so rapid successive calls (polling
// dialogs, repeated policy checks) do not hammer the transport.
type Cache struct {
	auth Authenticator
	ttl  time.Duration

	fetched time.Time
	devices []DeviceInfo
}

// NewCache builds a discovery cache. A ttl of zero uses DefaultTTL.
func NewCache(auth Authenticator, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{auth: auth, ttl: ttl}
}

// Devices returns the attached authenticators, enumerating at most
// once per TTL. Transient enumeration failures are retried briefly
// with exponential backoff before being reported.
func (c *Cache) Devices() ([]DeviceInfo, error) {
	enumMu.Lock()
	defer enumMu.Unlock()

	if !c.fetched.IsZero() && time.Since(c.fetched) < c.ttl {
		return c.devices, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second

	var devices []DeviceInfo
	operation := func() error {
		var err error
		devices, err = c.auth.Discover()
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	c.devices = devices
	c.fetched = time.Now()
	return devices, nil
}

// Invalidate drops the cached enumeration, forcing the next Devices
// call to touch the transport. Used after enrollment, which can
// change device state.
func (c *Cache) Invalidate() {
	enumMu.Lock()
	defer enumMu.Unlock()
	c.fetched = time.Time{}
	c.devices = nil
}

// Present reports whether at least one device is attached.
func (c *Cache) Present() bool {
	devices, err := c.Devices()
	return err == nil && len(devices) > 0
}
