package security

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

//go:embed policy.schema.json
var policySchema string

// Layouts accepted for rule expiry dates. Files are written with the
// first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	time.ANSIC,
}

// PolicyFile is the content of a security policy file.
type PolicyFile struct {
	Level Level
	Rules []Rule
	// Policy is the optional authorizationPolicy object.
	Policy *Policy
}

type policyDoc struct {
	SecurityLevel       *int           `json:"securityLevel,omitempty"`
	Rules               []ruleDoc      `json:"rules"`
	AuthorizationPolicy *authPolicyDoc `json:"authorizationPolicy,omitempty"`
}

type ruleDoc struct {
	VendorID             string   `json:"vendorId"`
	ProductID            string   `json:"productId"`
	IsWhitelisted        bool     `json:"isWhitelisted"`
	RequireAuthorization bool     `json:"requireAuthorization"`
	SecurityLevel        *int     `json:"securityLevel,omitempty"`
	AllowedInterfaces    []string `json:"allowedInterfaces,omitempty"`
	ExpiryDate           string   `json:"expiryDate,omitempty"`
}

type authPolicyDoc struct {
	AutoAuthorizeKnownDevices bool `json:"autoAuthorizeKnownDevices"`
	RequireUserConfirmation   bool `json:"requireUserConfirmation"`
	CheckDeviceCertificates   bool `json:"checkDeviceCertificates"`
	EnforceSystemPolicies     bool `json:"enforceSystemPolicies"`
	AuthorizationTimeout      int  `json:"authorizationTimeout,omitempty"` // seconds
}

// ValidatePolicy checks data against the policy file schema.
func ValidatePolicy(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(policySchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrConfiguration, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", pkg.ErrConfiguration, strings.Join(msgs, "; "))
	}
	return nil
}

// ValidatePolicyFile checks the file at path against the schema and
// parses it.
func ValidatePolicyFile(path string) error {
	_, err := ReadPolicyFile(path)
	return err
}

// ReadPolicyFile reads, validates and parses a policy file. A missing
// securityLevel means LevelMedium.
func ReadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, errors.Join(pkg.ErrConfiguration, err))
	}
	f, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return f, nil
}

// ParsePolicy validates and parses policy file content.
func ParsePolicy(data []byte) (*PolicyFile, error) {
	if err := ValidatePolicy(data); err != nil {
		return nil, err
	}
	var doc policyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrConfiguration, err)
	}

	f := &PolicyFile{Level: levelOr(doc.SecurityLevel, LevelMedium)}
	for i, rd := range doc.Rules {
		r, err := rd.rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, errors.Join(pkg.ErrConfiguration, err))
		}
		f.Rules = append(f.Rules, r)
	}
	if p := doc.AuthorizationPolicy; p != nil {
		f.Policy = &Policy{
			AutoAuthorizeKnownDevices: p.AutoAuthorizeKnownDevices,
			RequireUserConfirmation:   p.RequireUserConfirmation,
			CheckDeviceCertificates:   p.CheckDeviceCertificates,
			EnforceSystemPolicies:     p.EnforceSystemPolicies,
			AuthorizationTimeout:      time.Duration(p.AuthorizationTimeout) * time.Second,
		}
		if f.Policy.AuthorizationTimeout <= 0 {
			f.Policy.AuthorizationTimeout = DefaultAuthorizationTimeout
		}
	}
	return f, nil
}

func (rd ruleDoc) rule() (Rule, error) {
	vid, err := usb.ParseHexID(rd.VendorID)
	if err != nil {
		return Rule{}, fmt.Errorf("vendorId %q: %w", rd.VendorID, err)
	}
	pid, err := usb.ParseHexID(rd.ProductID)
	if err != nil {
		return Rule{}, fmt.Errorf("productId %q: %w", rd.ProductID, err)
	}
	r := Rule{
		VendorID:             vid,
		ProductID:            pid,
		IsWhitelisted:        rd.IsWhitelisted,
		RequireAuthorization: rd.RequireAuthorization,
		SecurityLevel:        levelOr(rd.SecurityLevel, LevelMedium),
	}
	for _, s := range rd.AllowedInterfaces {
		cl, err := usb.ParseClass(s)
		if err != nil {
			return Rule{}, err
		}
		r.AllowedInterfaces = append(r.AllowedInterfaces, cl.Hex())
	}
	if rd.ExpiryDate != "" {
		if r.ExpiryDate, err = parseDate(rd.ExpiryDate); err != nil {
			return Rule{}, err
		}
	}
	return r, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("expiryDate %q: unrecognized date", s)
}

func levelOr(v *int, def Level) Level {
	if v == nil {
		return def
	}
	return Level(*v)
}

// LoadSecurityConfig replaces the rules with those in the file at path and
// switches to the file's level. The file's authorizationPolicy applies only
// when that level is LevelCustom. On error the current state is kept.
func (c *Coordinator) LoadSecurityConfig(path string) error {
	return c.load(path, false)
}

// SetCustomSecurityPolicy loads the file at path as LoadSecurityConfig
// does, then switches to LevelCustom, making the file's
// authorizationPolicy, if any, the active policy.
func (c *Coordinator) SetCustomSecurityPolicy(path string) error {
	return c.load(path, true)
}

func (c *Coordinator) load(path string, custom bool) error {
	f, err := ReadPolicyFile(path)
	if err != nil {
		c.log.Error("policy load failed", zap.String("path", path), zap.Error(err))
		return err
	}
	level := f.Level
	if custom {
		level = LevelCustom
	}

	c.mutex.Lock()
	c.rules = f.Rules
	clear(c.allowed)
	c.mutex.Unlock()

	if err := c.SetSecurityLevel(level); err != nil {
		return err
	}
	if level == LevelCustom && f.Policy != nil {
		c.auth.SetPolicy(*f.Policy)
	}

	c.log.Info("policy loaded",
		zap.String("path", path),
		zap.Stringer("level", level),
		zap.Int("rules", len(f.Rules)))
	c.pub.Publish(event.ConfigurationChanged, "", path)
	return nil
}

// SaveSecurityConfig writes the level and rules to path, replacing it
// atomically. The authorization policy is included at LevelCustom.
func (c *Coordinator) SaveSecurityConfig(path string) error {
	c.mutex.Lock()
	level := int(c.level)
	doc := policyDoc{
		SecurityLevel: &level,
		Rules:         make([]ruleDoc, 0, len(c.rules)),
	}
	for _, r := range c.rules {
		rl := int(r.SecurityLevel)
		rd := ruleDoc{
			VendorID:             fmt.Sprintf("%04x", r.VendorID),
			ProductID:            fmt.Sprintf("%04x", r.ProductID),
			IsWhitelisted:        r.IsWhitelisted,
			RequireAuthorization: r.RequireAuthorization,
			SecurityLevel:        &rl,
			AllowedInterfaces:    r.AllowedInterfaces,
		}
		if !r.ExpiryDate.IsZero() {
			rd.ExpiryDate = r.ExpiryDate.Format(time.RFC3339)
		}
		doc.Rules = append(doc.Rules, rd)
	}
	custom := c.level == LevelCustom
	c.mutex.Unlock()

	if custom {
		p := c.auth.Policy()
		doc.AuthorizationPolicy = &authPolicyDoc{
			AutoAuthorizeKnownDevices: p.AutoAuthorizeKnownDevices,
			RequireUserConfirmation:   p.RequireUserConfirmation,
			CheckDeviceCertificates:   p.CheckDeviceCertificates,
			EnforceSystemPolicies:     p.EnforceSystemPolicies,
			AuthorizationTimeout:      int(p.AuthorizationTimeout / time.Second),
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("policy %s: %w", path, err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("policy %s: %w", path, err)
	}
	c.log.Info("policy saved", zap.String("path", path), zap.Int("rules", len(doc.Rules)))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
