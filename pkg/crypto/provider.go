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
package crypto

import (
	"sync"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/notapipeline/tower/pkg/types"
)

// Provider is the process wide cryptographic context. It carries the
// compliance mode toggle and owns the memguard session used to protect
// key enclaves. Create exactly one at process start, pass it to every
// engine constructor, and call Close at shutdown.
//
// Toggling compliance mode after creation is unsupported: the flag is
// read by every derivation and hardware policy decision and flipping it
// mid flight would let a single vault mix compliant and non compliant
// primitives.
type Provider struct {
	compliance bool
	log        zerolog.Logger

	closeOnce sync.Once
}

// ProviderOption configures a Provider at construction time.
type ProviderOption func(*Provider)

// WithComplianceMode restricts the provider to the compliant subset:
// the iterative KDF only, and 256 bit hardware response modes only.
func WithComplianceMode() ProviderOption {
	return func(p *Provider) {
		p.compliance = true
	}
}

// WithLogger attaches a structured logger. The provider and everything
// constructed from it never log secrets; without this option logging
// is discarded.
func WithLogger(log zerolog.Logger) ProviderOption {
	return func(p *Provider) {
		p.log = log
	}
}

// NewProvider initialises the process wide cryptographic context.
func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	memguard.CatchInterrupt()
	p.log.Debug().Bool("compliance", p.compliance).Msg("crypto provider initialised")
	return p
}

// ComplianceMode reports whether the compliant subset is enforced.
func (p *Provider) ComplianceMode() bool {
	return p.compliance
}

// Logger returns the provider logger for engine components.
func (p *Provider) Logger() zerolog.Logger {
	return p.log
}

// ResolveKDF normalises a requested derivation algorithm against the
// provider rules before it is used to derive key material:
//
//   - hashing only algorithms are silently downgraded to the iterative
//     scheme. They are fine for identity digests but catastrophically
//     weak as a password KDF.
//   - compliance mode forces the iterative scheme regardless of the
//     requested algorithm.
//   - iteration floors are enforced.
func (p *Provider) ResolveKDF(kdf types.KDFInfo) types.KDFInfo {
	if kdf.Type.HashOnly() {
		p.log.Warn().
			Str("requested", kdf.Type.String()).
			Msg("hash-only algorithm requested for key derivation, using pbkdf2")
		return pbkdf2Fallback(kdf)
	}

	if p.compliance && kdf.Type != types.KDFTypePBKDF2 {
		p.log.Debug().
			Str("requested", kdf.Type.String()).
			Msg("compliance mode active, forcing pbkdf2")
		return pbkdf2Fallback(kdf)
	}

	if kdf.Type == types.KDFTypePBKDF2 && kdf.Iterations < types.MinPBKDF2Iterations {
		kdf.Iterations = types.MinPBKDF2Iterations
	}
	return kdf
}

// pbkdf2Fallback builds the iterative replacement for a rejected
// algorithm. Cost parameters of the rejected scheme are not
// transferable, so anything below the floor becomes the default.
func pbkdf2Fallback(kdf types.KDFInfo) types.KDFInfo {
	iterations := kdf.Iterations
	if iterations < types.MinPBKDF2Iterations {
		iterations = types.DefaultPBKDF2Iterations
	}
	return types.KDFInfo{Type: types.KDFTypePBKDF2, Iterations: iterations}
}

// Close tears down the provider. Explicit rather than relying on
// destruction order; safe to call more than once.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		memguard.Purge()
		p.log.Debug().Msg("crypto provider closed")
	})
}
