// Package validate is the declarative parameter validator behind every
// API-facing operation. A Schema names its required and optional fields,
// each bound to a rule; validation runs every rule and accumulates failures
// into a single InvalidParamsError instead of stopping at the first.
package validate

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// Params are raw request parameters, body fields and query values alike.
type Params map[string]json.RawMessage

// Rule checks one field. A nil return means the value passed.
type Rule func(field string, raw json.RawMessage) *util.FieldError

// After is a cross-field check run only when every per-field rule passed.
type After func(p Params, errs *util.InvalidParamsError)

// Schema describes one operation's parameter surface.
type Schema struct {
	Required map[string]Rule
	Optional map[string]Rule
	// Strict rejects parameters outside the required and optional sets.
	Strict bool
	After  []After
}

// Validate runs the schema over the parameters.
func (s *Schema) Validate(p Params) error {
	errs := &util.InvalidParamsError{}

	for field, rule := range s.Required {
		raw, ok := p[field]
		if !ok || len(raw) == 0 || string(raw) == "null" {
			errs.Errors = append(errs.Errors, util.MissingParam(field))
			continue
		}
		if fe := rule(field, raw); fe != nil {
			errs.Errors = append(errs.Errors, *fe)
		}
	}
	for field, rule := range s.Optional {
		raw, ok := p[field]
		if !ok || len(raw) == 0 || string(raw) == "null" {
			continue
		}
		if fe := rule(field, raw); fe != nil {
			errs.Errors = append(errs.Errors, *fe)
		}
	}
	if s.Strict {
		for field := range p {
			if _, ok := s.Required[field]; ok {
				continue
			}
			if _, ok := s.Optional[field]; ok {
				continue
			}
			errs.Errors = append(errs.Errors, util.UnknownParam(field))
		}
	}

	if len(errs.Errors) == 0 {
		for _, after := range s.After {
			after(p, errs)
		}
	}
	if len(errs.Errors) > 0 {
		errs.Sort()
		return errs
	}
	return nil
}

// String pulls a field as a string, tolerating bare (unquoted) values the
// way query parameters arrive.
func String(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	// Bare query value.
	v := string(raw)
	if v != "" && !strings.HasPrefix(v, "{") && !strings.HasPrefix(v, "[") {
		return v, true
	}
	return "", false
}

// Int pulls a field as an integer from a JSON number or numeric string.
func Int(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	s, ok := String(raw)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// Bool pulls a field as a boolean from a JSON bool or "true"/"false".
func Bool(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	s, ok := String(raw)
	if !ok {
		return false, false
	}
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// Strings pulls a field as a string list, accepting a single scalar or a
// comma-separated value as a one-element unfold.
func Strings(raw json.RawMessage) ([]string, bool) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, true
	}
	s, ok := String(raw)
	if !ok {
		return nil, false
	}
	return strings.Split(s, ","), true
}

var (
	uuidRe  = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	tagRe   = regexp.MustCompile(`^[A-Za-z0-9_]{1,31}$`)
	ifaceRe = regexp.MustCompile(`^[A-Za-z0-9_]{0,31}[0-9]+$`)
)

func invalid(field, message string) *util.FieldError {
	fe := util.InvalidParam(field, message)
	return &fe
}

// UUID requires a lowercase RFC 4122 UUID.
func UUID(field string, raw json.RawMessage) *util.FieldError {
	s, ok := String(raw)
	if !ok || !uuidRe.MatchString(s) {
		return invalid(field, "invalid UUID")
	}
	return nil
}

// UUIDList requires a list of UUIDs.
func UUIDList(field string, raw json.RawMessage) *util.FieldError {
	list, ok := Strings(raw)
	if !ok {
		return invalid(field, "must be a list of UUIDs")
	}
	for _, s := range list {
		if !uuidRe.MatchString(s) {
			return invalid(field, fmt.Sprintf("invalid UUID %q", s))
		}
	}
	return nil
}

// MAC requires a parseable MAC address.
func MAC(field string, raw json.RawMessage) *util.FieldError {
	s, ok := String(raw)
	if !ok {
		return invalid(field, "invalid MAC address")
	}
	if _, err := addr.ParseMAC(s); err != nil {
		return invalid(field, "invalid MAC address")
	}
	return nil
}

// IP requires a canonical IP address.
func IP(field string, raw json.RawMessage) *util.FieldError {
	s, ok := String(raw)
	if !ok {
		return invalid(field, "invalid IP address")
	}
	if _, err := addr.ParseIP(s); err != nil {
		return invalid(field, "invalid IP address")
	}
	return nil
}

// IPList requires a list of canonical IP addresses.
func IPList(field string, raw json.RawMessage) *util.FieldError {
	list, ok := Strings(raw)
	if !ok {
		return invalid(field, "must be a list of IP addresses")
	}
	for _, s := range list {
		if _, err := addr.ParseIP(s); err != nil {
			return invalid(field, fmt.Sprintf("invalid IP address %q", s))
		}
	}
	return nil
}

// CIDR requires a subnet in canonical CIDR form, host bits clear.
func CIDR(field string, raw json.RawMessage) *util.FieldError {
	s, ok := String(raw)
	if !ok {
		return invalid(field, "invalid subnet")
	}
	if _, err := addr.ParseCIDR(s); err != nil {
		return invalid(field, "invalid subnet")
	}
	return nil
}

// IntRange requires an integer in [lo, hi].
func IntRange(lo, hi int64) Rule {
	return func(field string, raw json.RawMessage) *util.FieldError {
		n, ok := Int(raw)
		if !ok || n < lo || n > hi {
			return invalid(field, fmt.Sprintf("must be an integer between %d and %d", lo, hi))
		}
		return nil
	}
}

// VLANID requires a VLAN id in 0..4094, excluding the reserved id 1.
func VLANID(field string, raw json.RawMessage) *util.FieldError {
	n, ok := Int(raw)
	if !ok || n < 0 || n > 4094 {
		return invalid(field, "VLAN ID must be a number between 0 and 4094, and not 1")
	}
	if n == 1 {
		return invalid(field, "VLAN ID 1 is reserved")
	}
	return nil
}

// VxLANID requires a 24-bit virtual network id.
func VxLANID(field string, raw json.RawMessage) *util.FieldError {
	n, ok := Int(raw)
	if !ok || n < 0 || n >= 1<<24 {
		return invalid(field, "must be a number between 0 and 16777215")
	}
	return nil
}

// Limit requires a page size in 1..1000.
var Limit = IntRange(1, 1000)

// Offset requires a non-negative offset.
var Offset = IntRange(0, 1<<31-1)

// NonEmpty requires a non-empty string of at most max runes.
func NonEmpty(max int) Rule {
	return func(field string, raw json.RawMessage) *util.FieldError {
		s, ok := String(raw)
		if !ok || s == "" {
			return invalid(field, "must not be empty")
		}
		if len(s) > max {
			return invalid(field, fmt.Sprintf("must not be longer than %d characters", max))
		}
		return nil
	}
}

// TagName requires a nic tag name: up to 31 characters of [A-Za-z0-9_].
func TagName(field string, raw json.RawMessage) *util.FieldError {
	s, ok := String(raw)
	if !ok || !tagRe.MatchString(s) {
		return invalid(field, "must only contain numbers, letters and underscores, at most 31 characters")
	}
	return nil
}

// InterfaceName requires an interface-style name ending in a digit.
func InterfaceName(field string, raw json.RawMessage) *util.FieldError {
	s, ok := String(raw)
	if !ok || !ifaceRe.MatchString(s) {
		return invalid(field, "must be an interface name ending in a number")
	}
	return nil
}

// Enum requires membership in a fixed value set.
func Enum(values ...string) Rule {
	return func(field string, raw json.RawMessage) *util.FieldError {
		s, ok := String(raw)
		if ok {
			for _, v := range values {
				if s == v {
					return nil
				}
			}
		}
		return invalid(field, "must be one of: "+strings.Join(values, ", "))
	}
}

// Boolean requires a boolean value.
func Boolean(field string, raw json.RawMessage) *util.FieldError {
	if _, ok := Bool(raw); !ok {
		return invalid(field, "must be a boolean")
	}
	return nil
}

// StringMap requires an object of string keys to string values.
func StringMap(field string, raw json.RawMessage) *util.FieldError {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return invalid(field, "must be an object of strings")
	}
	return nil
}

// Routes requires a route map: destination IP or CIDR to next-hop IP.
func Routes(field string, raw json.RawMessage) *util.FieldError {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return invalid(field, "must be an object mapping destinations to gateways")
	}
	for dst, gw := range m {
		if _, err := addr.ParseCIDR(dst); err != nil {
			if _, err := addr.ParseIP(dst); err != nil {
				return invalid(field, fmt.Sprintf("invalid route destination %q", dst))
			}
		}
		if _, err := addr.ParseIP(gw); err != nil {
			return invalid(field, fmt.Sprintf("invalid route gateway %q", gw))
		}
	}
	return nil
}

// SubnetContains is an After check that a named IP field sits inside a
// named subnet field. Both fields must already have passed their rules.
func SubnetContains(subnetField string, ipFields ...string) After {
	return func(p Params, errs *util.InvalidParamsError) {
		raw, ok := p[subnetField]
		if !ok {
			return
		}
		s, ok := String(raw)
		if !ok {
			return
		}
		subnet, err := addr.ParseCIDR(s)
		if err != nil {
			return
		}
		for _, f := range ipFields {
			raw, ok := p[f]
			if !ok {
				continue
			}
			v, ok := String(raw)
			if !ok {
				continue
			}
			ip, err := addr.ParseIP(v)
			if err != nil {
				continue
			}
			if !subnet.Contains(ip) {
				errs.Errors = append(errs.Errors,
					util.InvalidParam(f, fmt.Sprintf("%s is not in subnet %s", f, subnet)))
			}
		}
	}
}

// ParseAddr re-parses a validated IP field. It panics on fields that did
// not pass an IP rule first.
func ParseAddr(raw json.RawMessage) netip.Addr {
	s, _ := String(raw)
	a, err := addr.ParseIP(s)
	if err != nil {
		panic(fmt.Sprintf("ParseAddr on unvalidated field: %v", err))
	}
	return a
}
