package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/util"
	"github.com/netreg-cloud/netreg/pkg/validate"
)

var nicStates = validate.Enum(registry.StateProvisioning, registry.StateRunning, registry.StateStopped)

var tagListRule = func(field string, raw json.RawMessage) *util.FieldError {
	list, ok := validate.Strings(raw)
	if !ok {
		fe := util.InvalidParam(field, "must be a list of nic tag names")
		return &fe
	}
	for _, s := range list {
		if fe := validate.TagName(field, json.RawMessage(s)); fe != nil {
			return fe
		}
	}
	return nil
}

func nicOptionalFields() map[string]validate.Rule {
	return map[string]validate.Rule{
		"mac":                      validate.MAC,
		"network_uuid":             validate.UUID,
		"ip":                       validate.IP,
		"nic_tag":                  validate.TagName,
		"vlan_id":                  validate.VLANID,
		"primary":                  validate.Boolean,
		"state":                    nicStates,
		"cn_uuid":                  validate.UUID,
		"nic_tags_provided":        tagListRule,
		"model":                    validate.NonEmpty(64),
		"underlay":                 validate.Boolean,
		"allow_dhcp_spoofing":      validate.Boolean,
		"allow_ip_spoofing":        validate.Boolean,
		"allow_mac_spoofing":       validate.Boolean,
		"allow_restricted_traffic": validate.Boolean,
		"allow_unfiltered_promisc": validate.Boolean,
	}
}

var createNICSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"owner_uuid":      validate.UUID,
		"belongs_to_type": validate.Enum(registry.BelongsToZone, registry.BelongsToServer, registry.BelongsToOther),
		"belongs_to_uuid": validate.UUID,
	},
	Optional: func() map[string]validate.Rule {
		m := nicOptionalFields()
		m["nic_tags_available"] = tagListRule
		return m
	}(),
	Strict: true,
}

// nicJSON serializes a NIC merged with its network's selected fields.
func (s *Server) nicJSON(r *http.Request, n *registry.NIC) map[string]interface{} {
	out := map[string]interface{}{}
	b, _ := json.Marshal(n)
	_ = json.Unmarshal(b, &out)
	if n.NetworkUUID == "" {
		return out
	}
	net, err := s.engine.GetNetwork(r.Context(), n.NetworkUUID)
	if err != nil {
		return out
	}
	out["vlan_id"] = net.VLANID
	out["nic_tag"] = net.NicTag
	if mask, err := net.Netmask(); err == nil {
		out["netmask"] = mask.String()
	}
	if net.Gateway != nil {
		out["gateway"] = net.Gateway.String()
	}
	if len(net.Resolvers) > 0 {
		resolvers := make([]string, len(net.Resolvers))
		for i, a := range net.Resolvers {
			resolvers[i] = a.String()
		}
		out["resolvers"] = resolvers
	}
	if len(net.Routes) > 0 {
		out["routes"] = net.Routes
	}
	return out
}

func decodeCreateNICParams(p validate.Params) registry.CreateNICParams {
	out := registry.CreateNICParams{
		OwnerUUID:     strField(p, "owner_uuid"),
		BelongsToType: strField(p, "belongs_to_type"),
		BelongsToUUID: strField(p, "belongs_to_uuid"),
		CNUUID:        strField(p, "cn_uuid"),
		State:         strField(p, "state"),
		NicTag:        strField(p, "nic_tag"),
		NetworkUUID:   strField(p, "network_uuid"),
		Model:         strField(p, "model"),
	}
	if s := strField(p, "mac"); s != "" {
		out.MAC, _ = addr.ParseMAC(s)
	}
	if raw, ok := p["ip"]; ok {
		ip := validate.ParseAddr(raw)
		out.IP = &ip
	}
	if vlan, ok := intField(p, "vlan_id"); ok {
		out.VLANID = &vlan
	}
	if v, ok := boolField(p, "primary"); ok {
		out.Primary = v
	}
	if list, ok := strsField(p, "nic_tags_provided"); ok {
		out.NicTagsProvided = list
	}
	if list, ok := strsField(p, "nic_tags_available"); ok {
		out.NicTagsAvailable = list
	}
	if v, ok := boolField(p, "underlay"); ok {
		out.Underlay = v
	}
	out.AllowDHCPSpoofing, _ = boolField(p, "allow_dhcp_spoofing")
	out.AllowIPSpoofing, _ = boolField(p, "allow_ip_spoofing")
	out.AllowMACSpoofing, _ = boolField(p, "allow_mac_spoofing")
	out.AllowRestrictedTraffic, _ = boolField(p, "allow_restricted_traffic")
	out.AllowUnfilteredPromisc, _ = boolField(p, "allow_unfiltered_promisc")
	return out
}

func (s *Server) handleCreateNIC(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createNICSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.CreateNIC(r.Context(), decodeCreateNICParams(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, s.nicJSON(r, n))
}

// handleProvisionNIC is the create path scoped to one network.
func (s *Server) handleProvisionNIC(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	delete(p, "network_uuid")
	if err := createNICSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	params := decodeCreateNICParams(p)
	params.NetworkUUID = mux.Vars(r)["uuid"]
	n, err := s.engine.CreateNIC(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, s.nicJSON(r, n))
}

var listNICsSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"owner_uuid":      validate.UUID,
		"belongs_to_type": validate.Enum(registry.BelongsToZone, registry.BelongsToServer, registry.BelongsToOther),
		"belongs_to_uuid": validate.UUID,
		"nic_tag":         validate.TagName,
		"network_uuid":    validate.UUID,
		"state":           nicStates,
		"cn_uuid":         validate.UUID,
		"limit":           validate.Limit,
		"offset":          validate.Offset,
	},
	Strict: true,
}

func (s *Server) handleListNICs(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	if err := listNICsSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	f := registry.NICFilter{
		OwnerUUID:     strField(p, "owner_uuid"),
		BelongsToType: strField(p, "belongs_to_type"),
		BelongsToUUID: strField(p, "belongs_to_uuid"),
		NicTag:        strField(p, "nic_tag"),
		NetworkUUID:   strField(p, "network_uuid"),
		State:         strField(p, "state"),
		CNUUID:        strField(p, "cn_uuid"),
	}
	f.Limit, f.Offset = window(p)
	nics, err := s.engine.ListNICs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, len(nics))
	for i, n := range nics {
		out[i] = s.nicJSON(r, n)
	}
	writeJSON(w, http.StatusOK, out)
}

func macFromPath(r *http.Request) (addr.MAC, error) {
	m, err := addr.ParseMAC(mux.Vars(r)["mac"])
	if err != nil {
		return 0, util.NewInvalidParamsError(util.InvalidParam("mac", "invalid MAC address"))
	}
	return m, nil
}

func (s *Server) handleGetNIC(w http.ResponseWriter, r *http.Request) {
	mac, err := macFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.GetNIC(r.Context(), mac)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, s.nicJSON(r, n))
}

var updateNICSchema = &validate.Schema{
	Optional: func() map[string]validate.Rule {
		m := nicOptionalFields()
		m["owner_uuid"] = validate.UUID
		m["belongs_to_type"] = validate.Enum(registry.BelongsToZone, registry.BelongsToServer, registry.BelongsToOther)
		m["belongs_to_uuid"] = validate.UUID
		return m
	}(),
	Strict: true,
}

func (s *Server) handleUpdateNIC(w http.ResponseWriter, r *http.Request) {
	mac, err := macFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// The MAC is the record key; an incoming mac field is dropped rather
	// than rejected.
	delete(p, "mac")
	if err := updateNICSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}

	up := registry.UpdateNICParams{IfMatch: r.Header.Get("If-Match")}
	setStr := func(field string, dst **string) {
		if raw, ok := p[field]; ok {
			v, _ := validate.String(raw)
			*dst = &v
		}
	}
	setBool := func(field string, dst **bool) {
		if v, ok := boolField(p, field); ok {
			*dst = &v
		}
	}
	setStr("owner_uuid", &up.OwnerUUID)
	setStr("belongs_to_type", &up.BelongsToType)
	setStr("belongs_to_uuid", &up.BelongsToUUID)
	setStr("cn_uuid", &up.CNUUID)
	setStr("state", &up.State)
	setStr("model", &up.Model)
	setStr("network_uuid", &up.NetworkUUID)
	setBool("primary", &up.Primary)
	setBool("underlay", &up.Underlay)
	setBool("allow_dhcp_spoofing", &up.AllowDHCPSpoofing)
	setBool("allow_ip_spoofing", &up.AllowIPSpoofing)
	setBool("allow_mac_spoofing", &up.AllowMACSpoofing)
	setBool("allow_restricted_traffic", &up.AllowRestrictedTraffic)
	setBool("allow_unfiltered_promisc", &up.AllowUnfilteredPromisc)
	if list, ok := strsField(p, "nic_tags_provided"); ok {
		up.NicTagsProvided = &list
	}
	if raw, ok := p["ip"]; ok {
		ip := validate.ParseAddr(raw)
		up.IP = &ip
	}

	n, err := s.engine.UpdateNIC(r.Context(), mac, up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, s.nicJSON(r, n))
}

func (s *Server) handleDeleteNIC(w http.ResponseWriter, r *http.Request) {
	mac, err := macFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.DeleteNIC(r.Context(), mac, r.Header.Get("If-Match")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
