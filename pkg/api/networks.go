package api

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/util"
	"github.com/netreg-cloud/netreg/pkg/validate"
)

var createNetworkSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"name":            validate.NonEmpty(64),
		"subnet":          validate.CIDR,
		"provision_start": validate.IP,
		"provision_end":   validate.IP,
		"nic_tag":         validate.TagName,
		"vlan_id":         validate.VLANID,
	},
	Optional: map[string]validate.Rule{
		"uuid":        validate.UUID,
		"gateway":     validate.IP,
		"resolvers":   validate.IPList,
		"routes":      validate.Routes,
		"mtu":         validate.IntRange(576, 9000),
		"owner_uuids": validate.UUIDList,
		"vnet_id":     validate.VxLANID,
		"fabric":      validate.Boolean,
		"vpc_uuid":    validate.UUID,
		"description": validate.NonEmpty(64),
	},
	Strict: true,
	After: []validate.After{
		validate.SubnetContains("subnet", "provision_start", "provision_end", "gateway"),
	},
}

func parseIPList(list []string) []netip.Addr {
	out := make([]netip.Addr, 0, len(list))
	for _, s := range list {
		if a, err := addr.ParseIP(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// networkJSON serializes a network with the derived netmask field.
func networkJSON(n *registry.Network) map[string]interface{} {
	out := map[string]interface{}{}
	b, _ := json.Marshal(n)
	_ = json.Unmarshal(b, &out)
	if mask, err := n.Netmask(); err == nil {
		out["netmask"] = mask.String()
	}
	return out
}

// decodeCreateNetworkParams builds engine params from validated raw fields.
func decodeCreateNetworkParams(p validate.Params) registry.CreateNetworkParams {
	out := registry.CreateNetworkParams{
		UUID:        strField(p, "uuid"),
		Name:        strField(p, "name"),
		NicTag:      strField(p, "nic_tag"),
		Family:      strField(p, "family"),
		VPCUUID:     strField(p, "vpc_uuid"),
		Description: strField(p, "description"),
	}
	subnet, _ := addr.ParseCIDR(strField(p, "subnet"))
	out.Subnet = subnet
	if raw, ok := p["provision_start"]; ok {
		out.ProvisionStart = validate.ParseAddr(raw)
	}
	if raw, ok := p["provision_end"]; ok {
		out.ProvisionEnd = validate.ParseAddr(raw)
	}
	if vlan, ok := intField(p, "vlan_id"); ok {
		out.VLANID = vlan
	}
	if raw, ok := p["gateway"]; ok {
		gw := validate.ParseAddr(raw)
		out.Gateway = &gw
	}
	if list, ok := strsField(p, "resolvers"); ok {
		out.Resolvers = parseIPList(list)
	}
	if raw, ok := p["routes"]; ok {
		_ = json.Unmarshal(raw, &out.Routes)
	}
	if mtu, ok := intField(p, "mtu"); ok {
		out.MTU = mtu
	}
	if owners, ok := strsField(p, "owner_uuids"); ok {
		out.OwnerUUIDs = owners
	}
	if vnet, ok := intField(p, "vnet_id"); ok {
		v := uint32(vnet)
		out.VnetID = &v
	}
	if fabric, ok := boolField(p, "fabric"); ok {
		out.Fabric = fabric
	}
	return out
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createNetworkSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.CreateNetwork(r.Context(), decodeCreateNetworkParams(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, networkJSON(n))
}

var listNetworksSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"name":             validate.NonEmpty(64),
		"nic_tag":          validate.TagName,
		"vlan_id":          validate.VLANID,
		"family":           validate.Enum(registry.FamilyIPv4, registry.FamilyIPv6),
		"fabric":           validate.Boolean,
		"owner_uuid":       validate.UUID,
		"provisionable_by": validate.UUID,
		"limit":            validate.Limit,
		"offset":           validate.Offset,
	},
	Strict: true,
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	if err := listNetworksSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	f := registry.NetworkFilter{
		Name:            strField(p, "name"),
		NicTag:          strField(p, "nic_tag"),
		Family:          strField(p, "family"),
		OwnerUUID:       strField(p, "owner_uuid"),
		ProvisionableBy: strField(p, "provisionable_by"),
	}
	if vlan, ok := intField(p, "vlan_id"); ok {
		f.VLANID = &vlan
	}
	if fabric, ok := boolField(p, "fabric"); ok {
		f.Fabric = &fabric
	}
	f.Limit, f.Offset = window(p)
	nets, err := s.engine.ListNetworks(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, len(nets))
	for i, n := range nets {
		out[i] = networkJSON(n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.GetNetwork(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, networkJSON(n))
}

var updateNetworkSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"name":            validate.NonEmpty(64),
		"description":     validate.NonEmpty(64),
		"gateway":         validate.IP,
		"resolvers":       validate.IPList,
		"routes":          validate.Routes,
		"mtu":             validate.IntRange(576, 9000),
		"provision_start": validate.IP,
		"provision_end":   validate.IP,
		"owner_uuids":     validate.UUIDList,
	},
	Strict: true,
}

func (s *Server) handleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := updateNetworkSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	up := registry.UpdateNetworkParams{IfMatch: r.Header.Get("If-Match")}
	if raw, ok := p["name"]; ok {
		v, _ := validate.String(raw)
		up.Name = &v
	}
	if raw, ok := p["description"]; ok {
		v, _ := validate.String(raw)
		up.Description = &v
	}
	if raw, ok := p["gateway"]; ok {
		gw := validate.ParseAddr(raw)
		up.Gateway = &gw
	}
	if list, ok := strsField(p, "resolvers"); ok {
		resolvers := parseIPList(list)
		up.Resolvers = &resolvers
	}
	if raw, ok := p["routes"]; ok {
		routes := map[string]string{}
		_ = json.Unmarshal(raw, &routes)
		up.Routes = &routes
	}
	if mtu, ok := intField(p, "mtu"); ok {
		up.MTU = &mtu
	}
	if raw, ok := p["provision_start"]; ok {
		v := validate.ParseAddr(raw)
		up.ProvisionStart = &v
	}
	if raw, ok := p["provision_end"]; ok {
		v := validate.ParseAddr(raw)
		up.ProvisionEnd = &v
	}
	if owners, ok := strsField(p, "owner_uuids"); ok {
		up.OwnerUUIDs = &owners
	}
	n, err := s.engine.UpdateNetwork(r.Context(), mux.Vars(r)["uuid"], up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, networkJSON(n))
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteNetwork(r.Context(), mux.Vars(r)["uuid"], r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIPs(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	n, err := s.engine.GetNetwork(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	limit, offset := window(p)
	ips, err := s.engine.ListIPs(r.Context(), n, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ips)
}

func (s *Server) handleGetIP(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.GetNetwork(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	ip, err := addr.ParseIP(mux.Vars(r)["addr"])
	if err != nil {
		writeError(w, util.NewInvalidParamsError(util.InvalidParam("ip", "invalid IP address")))
		return
	}
	rec, err := s.engine.GetIPOrImplied(r.Context(), n, ip)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, rec.Etag, rec)
}

var updateIPSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"reserved":        validate.Boolean,
		"belongs_to_type": validate.Enum(registry.BelongsToZone, registry.BelongsToServer, registry.BelongsToOther),
		"belongs_to_uuid": validate.UUID,
		"owner_uuid":      validate.UUID,
		"unassign":        validate.Boolean,
	},
	Strict: true,
}

func (s *Server) handleUpdateIP(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.GetNetwork(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	ip, err := addr.ParseIP(mux.Vars(r)["addr"])
	if err != nil {
		writeError(w, util.NewInvalidParamsError(util.InvalidParam("ip", "invalid IP address")))
		return
	}
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := updateIPSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	up := registry.UpdateIPParams{IfMatch: r.Header.Get("If-Match")}
	if v, ok := boolField(p, "reserved"); ok {
		up.Reserved = &v
	}
	if raw, ok := p["belongs_to_type"]; ok {
		v, _ := validate.String(raw)
		up.BelongsToType = &v
	}
	if raw, ok := p["belongs_to_uuid"]; ok {
		v, _ := validate.String(raw)
		up.BelongsToUUID = &v
	}
	if raw, ok := p["owner_uuid"]; ok {
		v, _ := validate.String(raw)
		up.OwnerUUID = &v
	}
	if v, ok := boolField(p, "unassign"); ok {
		up.Unassign = v
	}
	rec, err := s.engine.UpdateIP(r.Context(), n, ip, up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, rec.Etag, rec)
}

var searchIPsSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"ip": validate.IP,
	},
	Optional: map[string]validate.Rule{
		"fabric": validate.Boolean,
		"limit":  validate.Limit,
		"offset": validate.Offset,
	},
	Strict: true,
}

func (s *Server) handleSearchIPs(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	if err := searchIPsSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	ip := validate.ParseAddr(p["ip"])
	f := registry.NetworkFilter{}
	if fabric, ok := boolField(p, "fabric"); ok {
		f.Fabric = &fabric
	}
	results, err := s.engine.SearchIPs(r.Context(), ip, f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, len(results))
	for i, res := range results {
		rec := map[string]interface{}{}
		b, _ := json.Marshal(res.Record)
		_ = json.Unmarshal(b, &rec)
		rec["network_uuid"] = res.Network.UUID
		out[i] = rec
	}
	writeJSON(w, http.StatusOK, out)
}
