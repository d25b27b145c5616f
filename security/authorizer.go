package security

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

const (
	// AuthorizationExpiry is how long a grant is reused before the device
	// is evaluated again.
	AuthorizationExpiry = 24 * time.Hour

	// MaxAuthorizationHistory caps each device's decision history.
	MaxAuthorizationHistory = 100
)

// Authorization reasons.
const (
	ReasonAlreadyAuthorized  = "Already authorized"
	ReasonKnownDevice        = "Known device type"
	ReasonSystemPolicy       = "System policy violation"
	ReasonCertificate        = "Certificate validation failed"
	ReasonUserAuthorized     = "User authorized device"
	ReasonUserDenied         = "User denied authorization"
	ReasonUserTimeout        = "User confirmation timed out"
	ReasonAllChecksPassed    = "All checks passed"
	ReasonRevoked            = "Authorization revoked"
	ReasonCustomUnauthorized = "Custom authorization failed"
)

// CustomMethod is a device-specific authorization step. A result that is
// not authorized ends the evaluation.
type CustomMethod func(ctx context.Context, dev *usb.Device) AuthorizationResult

// listener observes every recorded decision, revocations included.
type listener func(dev *usb.Device, res AuthorizationResult)

type deviceState struct {
	authorized  bool
	lastAttempt time.Time
	history     []AuthorizationResult
}

// Authorizer decides whether individual devices may be used. Decisions are
// recorded per device key and published on the bus.
type Authorizer struct {
	pub     event.Publisher
	log     *zap.Logger
	now     func() time.Time
	confirm Confirmer

	mutex     sync.Mutex
	policy    Policy
	states    map[string]*deviceState
	custom    map[string]CustomMethod
	certs     map[string]*x509.Certificate
	listeners []listener
}

// NewAuthorizer creates an authorizer with DefaultPolicy.
func NewAuthorizer(opts ...Option) *Authorizer {
	o := newOptions(opts)
	return &Authorizer{
		pub:     o.pub,
		log:     o.log,
		now:     o.now,
		confirm: o.confirm,
		policy:  DefaultPolicy(),
		states:  make(map[string]*deviceState),
		custom:  make(map[string]CustomMethod),
		certs:   make(map[string]*x509.Certificate),
	}
}

// AuthorizeDevice evaluates dev. The steps run in order and the first one
// that decides ends the evaluation:
//
//  1. a grant younger than AuthorizationExpiry is reused
//  2. known classes are granted when the policy auto-authorizes them
//  3. the system policy check, when enforced
//  4. the certificate check, when enabled
//  5. the custom method registered for the vendor/product pair, if any
//  6. user confirmation, when required, bounded by the policy timeout
//  7. otherwise the device is granted
//
// Every decision is appended to the device's history and published as
// DeviceAuthorized or AuthorizationFailed.
func (a *Authorizer) AuthorizeDevice(ctx context.Context, dev *usb.Device) AuthorizationResult {
	key := dev.Key()
	now := a.now()

	a.mutex.Lock()
	st := a.stateLocked(key)
	if st.authorized && now.Sub(st.lastAttempt) < AuthorizationExpiry {
		res := AuthorizationResult{true, ReasonAlreadyAuthorized, now, MethodAutomatic}
		a.mutex.Unlock()
		a.record(dev, res)
		return res
	}
	st.authorized = false
	st.lastAttempt = now

	policy := a.policy
	custom := a.custom[dev.VendorProductKey()]

	var res AuthorizationResult
	decided := true
	switch {
	case policy.AutoAuthorizeKnownDevices && knownClass(dev.Class()):
		res = AuthorizationResult{true, ReasonKnownDevice, now, MethodAutomatic}
	case policy.EnforceSystemPolicies && !SystemPolicyAllows(dev):
		res = AuthorizationResult{false, ReasonSystemPolicy, now, MethodSystemPolicy}
	case policy.CheckDeviceCertificates && !a.certificateValidLocked(now):
		res = AuthorizationResult{false, ReasonCertificate, now, MethodCertificate}
	default:
		decided = false
	}
	a.mutex.Unlock()

	if !decided {
		res = a.decide(ctx, dev, policy, custom)
	}
	a.record(dev, res)
	return res
}

// decide runs the steps that may block. It is called without the lock.
func (a *Authorizer) decide(ctx context.Context, dev *usb.Device, policy Policy, custom CustomMethod) AuthorizationResult {
	if custom != nil {
		res := custom(ctx, dev)
		if !res.Authorized {
			res.Method = MethodCustom
			if res.Reason == "" {
				res.Reason = ReasonCustomUnauthorized
			}
			if res.Time.IsZero() {
				res.Time = a.now()
			}
			return res
		}
	}

	if policy.RequireUserConfirmation {
		timeout := policy.AuthorizationTimeout
		if timeout <= 0 {
			timeout = DefaultAuthorizationTimeout
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		ok, err := a.confirm.Confirm(cctx, dev)
		switch {
		case err != nil:
			a.log.Info("user confirmation failed",
				zap.String("key", dev.Key()), zap.Error(err))
			return AuthorizationResult{false, ReasonUserTimeout, a.now(), MethodUserPrompt}
		case ok:
			return AuthorizationResult{true, ReasonUserAuthorized, a.now(), MethodUserPrompt}
		default:
			return AuthorizationResult{false, ReasonUserDenied, a.now(), MethodUserPrompt}
		}
	}

	return AuthorizationResult{true, ReasonAllChecksPassed, a.now(), MethodAutomatic}
}

// record stores res as dev's current state and announces it.
func (a *Authorizer) record(dev *usb.Device, res AuthorizationResult) {
	a.mutex.Lock()
	st := a.stateLocked(dev.Key())
	st.authorized = res.Authorized
	appendHistory(st, res)
	listeners := slices.Clone(a.listeners)
	a.mutex.Unlock()

	kind := event.AuthorizationFailed
	if res.Authorized {
		kind = event.DeviceAuthorized
	}
	a.log.Debug("authorization decision",
		zap.String("key", dev.Key()),
		zap.Bool("authorized", res.Authorized),
		zap.String("reason", res.Reason),
		zap.Stringer("method", res.Method))
	a.pub.Publish(kind, dev.Key(), res)
	for _, l := range listeners {
		l(dev, res)
	}
}

// RevokeAuthorization withdraws dev's grant. It reports false when dev was
// not authorized.
func (a *Authorizer) RevokeAuthorization(dev *usb.Device) bool {
	key := dev.Key()
	now := a.now()

	a.mutex.Lock()
	st, ok := a.states[key]
	if !ok || !st.authorized {
		a.mutex.Unlock()
		return false
	}
	st.authorized = false
	st.lastAttempt = now
	res := AuthorizationResult{false, ReasonRevoked, now, MethodAutomatic}
	appendHistory(st, res)
	listeners := slices.Clone(a.listeners)
	a.mutex.Unlock()

	a.log.Info("authorization revoked", zap.String("key", key))
	a.pub.Publish(event.DeviceAuthorizationRevoked, key, res)
	for _, l := range listeners {
		l(dev, res)
	}
	return true
}

// IsAuthorized reports whether dev holds an unexpired grant.
func (a *Authorizer) IsAuthorized(dev *usb.Device) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	st, ok := a.states[dev.Key()]
	return ok && st.authorized && a.now().Sub(st.lastAttempt) < AuthorizationExpiry
}

// History returns dev's decisions, oldest first.
func (a *Authorizer) History(dev *usb.Device) []AuthorizationResult {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if st, ok := a.states[dev.Key()]; ok {
		return slices.Clone(st.history)
	}
	return nil
}

// ClearHistory discards dev's decisions without changing its grant.
func (a *Authorizer) ClearHistory(dev *usb.Device) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if st, ok := a.states[dev.Key()]; ok {
		st.history = nil
	}
}

// SetPolicy replaces the authorization policy.
func (a *Authorizer) SetPolicy(p Policy) {
	if p.AuthorizationTimeout <= 0 {
		p.AuthorizationTimeout = DefaultAuthorizationTimeout
	}
	a.mutex.Lock()
	a.policy = p
	a.mutex.Unlock()

	a.log.Info("authorization policy changed",
		zap.Bool("autoAuthorize", p.AutoAuthorizeKnownDevices),
		zap.Bool("requireConfirmation", p.RequireUserConfirmation),
		zap.Bool("checkCertificates", p.CheckDeviceCertificates),
		zap.Bool("enforceSystemPolicies", p.EnforceSystemPolicies),
		zap.Duration("timeout", p.AuthorizationTimeout))
	a.pub.Publish(event.ConfigurationChanged, "", p)
}

// Policy returns the authorization policy.
func (a *Authorizer) Policy() Policy {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.policy
}

// RegisterCustomMethod installs fn for devices matching the "VVVV:PPPP"
// key, replacing any previous method.
func (a *Authorizer) RegisterCustomMethod(vendorProductKey string, fn CustomMethod) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.custom[vendorProductKey] = fn
}

// UnregisterCustomMethod removes the method for vendorProductKey.
func (a *Authorizer) UnregisterCustomMethod(vendorProductKey string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.custom, vendorProductKey)
}

// AddTrustedCertificate loads a PEM or DER certificate from path. The
// certificate must be within its validity window and carry a valid
// self-signature.
func (a *Authorizer) AddTrustedCertificate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("certificate %s: %w", path, err)
	}
	cert, err := parseCertificate(data)
	if err != nil {
		return fmt.Errorf("certificate %s: %w", path, errors.Join(pkg.ErrCertificateInvalid, err))
	}
	now := a.now()
	if !validAt(cert, now) {
		return fmt.Errorf("certificate %s: valid %s to %s: %w", path,
			cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339),
			pkg.ErrCertificateInvalid)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("certificate %s: %w", path, errors.Join(pkg.ErrCertificateInvalid, err))
	}

	a.mutex.Lock()
	a.certs[path] = cert
	a.mutex.Unlock()
	a.log.Info("trusted certificate added",
		zap.String("path", path), zap.String("subject", cert.Subject.String()))
	return nil
}

// RemoveTrustedCertificate forgets the certificate loaded from path.
func (a *Authorizer) RemoveTrustedCertificate(path string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.certs, path)
}

// TrustedCertificates returns the paths of the loaded certificates, sorted.
func (a *Authorizer) TrustedCertificates() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	paths := make([]string, 0, len(a.certs))
	for p := range a.certs {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

func (a *Authorizer) certificateValidLocked(now time.Time) bool {
	for _, c := range a.certs {
		if validAt(c, now) {
			return true
		}
	}
	return false
}

func (a *Authorizer) addListener(l listener) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.listeners = append(a.listeners, l)
}

func (a *Authorizer) stateLocked(key string) *deviceState {
	st, ok := a.states[key]
	if !ok {
		st = &deviceState{}
		a.states[key] = st
	}
	return st
}

func appendHistory(st *deviceState, res AuthorizationResult) {
	st.history = append(st.history, res)
	if n := len(st.history) - MaxAuthorizationHistory; n > 0 {
		st.history = slices.Delete(st.history, 0, n)
	}
}

// knownClass reports whether c is granted without further checks when the
// policy auto-authorizes known devices.
func knownClass(c usb.Class) bool {
	switch c {
	case usb.ClassHID, usb.ClassHub, usb.ClassPrinter, usb.ClassMassStorage:
		return true
	}
	return false
}

// SystemPolicyAllows reports whether dev passes the host system policy.
// Vendor-specific, diagnostic and wireless devices are refused, as are
// storage and video devices faster than full speed.
func SystemPolicyAllows(dev *usb.Device) bool {
	switch dev.Class() {
	case usb.ClassVendorSpecific, usb.ClassDiagnostic, usb.ClassWireless:
		return false
	case usb.ClassMassStorage, usb.ClassVideo, usb.ClassAudioVideo:
		return dev.Speed <= usb.SpeedFull
	}
	return true
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		data = block.Bytes
	}
	return x509.ParseCertificate(data)
}

func validAt(c *x509.Certificate, t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}
