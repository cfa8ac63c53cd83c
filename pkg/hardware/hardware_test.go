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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notapipeline/tower/pkg/types"
)

// countingAuth counts Discover calls and can fail a fixed number of
// times before succeeding.
type countingAuth struct {
	mu       sync.Mutex
	calls    int
	failures int
	devices  []DeviceInfo
}

func (c *countingAuth) Discover() ([]DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("transport busy")
	}
	return c.devices, nil
}

func (c *countingAuth) Enroll(string, string) (CredentialID, error) {
	return CredentialID("cred"), nil
}

func (c *countingAuth) Challenge(CredentialID, []byte, string) ([]byte, error) {
	return make([]byte, 32), nil
}

func TestCacheReusesEnumerationWithinTTL(t *testing.T) {
	auth := &countingAuth{devices: []DeviceInfo{{Serial: "123"}}}
	cache := NewCache(auth, time.Minute)

	for i := 0; i < 5; i++ {
		devices, err := cache.Devices()
		require.NoError(t, err)
		assert.Len(t, devices, 1)
	}
	assert.Equal(t, 1, auth.calls)

	cache.Invalidate()
	_, err := cache.Devices()
	require.NoError(t, err)
	assert.Equal(t, 2, auth.calls)
}

func TestCacheRetriesTransientFailures(t *testing.T) {
	auth := &countingAuth{failures: 2, devices: []DeviceInfo{{Serial: "123"}}}
	cache := NewCache(auth, time.Minute)

	devices, err := cache.Devices()
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.GreaterOrEqual(t, auth.calls, 3)
}

func TestCacheSerializesConcurrentCallers(t *testing.T) {
	auth := &countingAuth{devices: []DeviceInfo{{Serial: "123"}}}
	cache := NewCache(auth, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Devices()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// Serialization plus the TTL means one enumeration serves all.
	assert.Equal(t, 1, auth.calls)
}

func TestNopCapabilityAbsent(t *testing.T) {
	var auth Authenticator = Nop{}

	devices, err := auth.Discover()
	require.NoError(t, err)
	assert.Empty(t, devices)

	_, err = auth.Enroll("vault:test", "")
	assert.ErrorIs(t, err, types.ErrHardwareNotPresent)

	_, err = auth.Challenge(CredentialID("x"), []byte("salt"), "")
	assert.ErrorIs(t, err, types.ErrHardwareNotPresent)

	assert.False(t, NewCache(auth, 0).Present())
}

func TestSoftTokenChallengeDeterministic(t *testing.T) {
	token := NewSoftToken([]byte("token secret"), "042")

	cred, err := token.Enroll("vault:test", "")
	require.NoError(t, err)
	require.NotEmpty(t, cred)

	salt := []byte("challenge salt")
	first, err := token.Challenge(cred, salt, "")
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := token.Challenge(cred, salt, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := token.Challenge(cred, []byte("different salt"), "")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestSoftTokenLegacyMode(t *testing.T) {
	token := NewSoftToken([]byte("token secret"), "042")
	token.LegacyMode = true

	cred, err := token.Enroll("vault:test", "")
	require.NoError(t, err)

	resp, err := token.Challenge(cred, []byte("salt"), "")
	require.NoError(t, err)
	assert.Len(t, resp, types.LegacyResponseSize)
}

func TestSoftTokenPIN(t *testing.T) {
	token := NewSoftToken([]byte("token secret"), "042")
	token.PIN = "1234"

	_, err := token.Enroll("vault:test", "0000")
	assert.ErrorIs(t, err, types.ErrHardware)

	cred, err := token.Enroll("vault:test", "1234")
	require.NoError(t, err)

	_, err = token.Challenge(cred, []byte("salt"), "0000")
	assert.ErrorIs(t, err, types.ErrHardware)
}

func TestSoftTokenUnknownCredential(t *testing.T) {
	token := NewSoftToken([]byte("token secret"), "042")
	_, err := token.Challenge(CredentialID("never enrolled"), []byte("salt"), "")
	assert.ErrorIs(t, err, types.ErrHardware)
}

func TestValidateResponse(t *testing.T) {
	assert.Error(t, ValidateResponse(nil, false))
	assert.NoError(t, ValidateResponse(make([]byte, 20), false))
	assert.NoError(t, ValidateResponse(make([]byte, 32), true))
	assert.ErrorIs(t, ValidateResponse(make([]byte, 20), true), types.ErrHardware)
	assert.ErrorIs(t, ValidateResponse(make([]byte, 64), true), types.ErrHardware)
}
