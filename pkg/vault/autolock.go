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
package vault

import (
	"sync"
	"time"
)

// autoLock is a single shot, resettable idle timer. Arming replaces
// any pending shot, so a stream of activity signals keeps pushing the
// deadline out; firing disarms until the next arm.
type autoLock struct {
	mu    sync.Mutex
	d     time.Duration
	fire  func()
	timer *time.Timer
}

func newAutoLock(d time.Duration, fire func()) *autoLock {
	return &autoLock{d: d, fire: fire}
}

func (a *autoLock) arm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.d, func() {
		a.mu.Lock()
		a.timer = nil
		a.mu.Unlock()
		a.fire()
	})
}

func (a *autoLock) disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
