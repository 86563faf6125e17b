package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/util"
	"github.com/netreg-cloud/netreg/pkg/validate"
)

func fabricPath(r *http.Request) (owner string, vlanID int, err error) {
	vars := mux.Vars(r)
	owner = vars["owner"]
	if id, ok := vars["id"]; ok {
		vlanID, err = strconv.Atoi(id)
		if err != nil || vlanID < 0 || vlanID > 4094 {
			return "", 0, util.NewInvalidParamsError(util.InvalidParam("vlan_id", "invalid VLAN ID"))
		}
	}
	return owner, vlanID, nil
}

var createFabricVLANSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"name":    validate.NonEmpty(64),
		"vlan_id": validate.VLANID,
	},
	Optional: map[string]validate.Rule{
		"vnet_id":     validate.VxLANID,
		"description": validate.NonEmpty(64),
	},
	Strict: true,
}

func (s *Server) handleCreateFabricVLAN(w http.ResponseWriter, r *http.Request) {
	owner, _, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createFabricVLANSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	vlanID, _ := intField(p, "vlan_id")
	vnetID, _ := intField(p, "vnet_id")
	v, err := s.engine.CreateFabricVLAN(r.Context(), owner, vlanID, uint32(vnetID),
		strField(p, "name"), strField(p, "description"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, v.Etag, v)
}

func (s *Server) handleListFabricVLANs(w http.ResponseWriter, r *http.Request) {
	owner, _, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vlans, err := s.engine.ListFabricVLANs(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vlans)
}

func (s *Server) handleGetFabricVLAN(w http.ResponseWriter, r *http.Request) {
	owner, vlanID, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.engine.GetFabricVLAN(r.Context(), owner, vlanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, v.Etag, v)
}

var updateFabricVLANSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"name":        validate.NonEmpty(64),
		"description": validate.NonEmpty(64),
	},
	Strict: true,
}

func (s *Server) handleUpdateFabricVLAN(w http.ResponseWriter, r *http.Request) {
	owner, vlanID, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := updateFabricVLANSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	up := registry.UpdateFabricVLANParams{IfMatch: r.Header.Get("If-Match")}
	if raw, ok := p["name"]; ok {
		v, _ := validate.String(raw)
		up.Name = &v
	}
	if raw, ok := p["description"]; ok {
		v, _ := validate.String(raw)
		up.Description = &v
	}
	v, err := s.engine.UpdateFabricVLAN(r.Context(), owner, vlanID, up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, v.Etag, v)
}

func (s *Server) handleDeleteFabricVLAN(w http.ResponseWriter, r *http.Request) {
	owner, vlanID, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.DeleteFabricVLAN(r.Context(), owner, vlanID, r.Header.Get("If-Match")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subnet and provision range are optional here: a fabric network without a
// subnet gets the owner's next free private one.
var createFabricNetworkSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"name":    validate.NonEmpty(64),
		"nic_tag": validate.TagName,
	},
	Optional: map[string]validate.Rule{
		"subnet":          validate.CIDR,
		"provision_start": validate.IP,
		"provision_end":   validate.IP,
		"family":          validate.Enum(registry.FamilyIPv4, registry.FamilyIPv6),
		"uuid":            validate.UUID,
		"gateway":         validate.IP,
		"resolvers":       validate.IPList,
		"routes":          validate.Routes,
		"mtu":             validate.IntRange(576, 9000),
		"vpc_uuid":        validate.UUID,
		"description":     validate.NonEmpty(64),
	},
	Strict: true,
	After: []validate.After{
		validate.SubnetContains("subnet", "provision_start", "provision_end", "gateway"),
	},
}

func (s *Server) handleCreateFabricNetwork(w http.ResponseWriter, r *http.Request) {
	owner, vlanID, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createFabricNetworkSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.CreateFabricNetwork(r.Context(), owner, vlanID, decodeCreateNetworkParams(p))
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, networkJSON(n))
}

func (s *Server) handleListFabricNetworks(w http.ResponseWriter, r *http.Request) {
	owner, vlanID, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	nets, err := s.engine.ListFabricNetworks(r.Context(), owner, vlanID)
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

func (s *Server) handleGetFabricNetwork(w http.ResponseWriter, r *http.Request) {
	owner, vlanID, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.GetFabricNetwork(r.Context(), owner, vlanID, mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, n.Etag, networkJSON(n))
}

func (s *Server) handleDeleteFabricNetwork(w http.ResponseWriter, r *http.Request) {
	owner, vlanID, err := fabricPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.engine.DeleteFabricNetwork(r.Context(), owner, vlanID, mux.Vars(r)["uuid"], r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var createVPCSchema = &validate.Schema{
	Required: map[string]validate.Rule{
		"name":       validate.NonEmpty(64),
		"owner_uuid": validate.UUID,
	},
	Optional: map[string]validate.Rule{
		"vpc_uuid":    validate.UUID,
		"vnet_id":     validate.VxLANID,
		"description": validate.NonEmpty(64),
	},
	Strict: true,
}

func (s *Server) handleCreateVPC(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := createVPCSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	vnetID, _ := intField(p, "vnet_id")
	v, err := s.engine.CreateVPC(r.Context(), registry.CreateVPCParams{
		UUID:        strField(p, "vpc_uuid"),
		OwnerUUID:   strField(p, "owner_uuid"),
		VnetID:      uint32(vnetID),
		Name:        strField(p, "name"),
		Description: strField(p, "description"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, v.Etag, v)
}

var listVPCsSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"owner_uuid": validate.UUID,
	},
	Strict: true,
}

func (s *Server) handleListVPCs(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	if err := listVPCsSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	vpcs, err := s.engine.ListVPCs(r.Context(), strField(p, "owner_uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vpcs)
}

func (s *Server) handleGetVPC(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetVPC(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, v.Etag, v)
}

var updateVPCSchema = &validate.Schema{
	Optional: map[string]validate.Rule{
		"name":        validate.NonEmpty(64),
		"description": validate.NonEmpty(64),
	},
	Strict: true,
}

func (s *Server) handleUpdateVPC(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := updateVPCSchema.Validate(p); err != nil {
		writeError(w, err)
		return
	}
	up := registry.UpdateVPCParams{IfMatch: r.Header.Get("If-Match")}
	if raw, ok := p["name"]; ok {
		v, _ := validate.String(raw)
		up.Name = &v
	}
	if raw, ok := p["description"]; ok {
		v, _ := validate.String(raw)
		up.Description = &v
	}
	v, err := s.engine.UpdateVPC(r.Context(), mux.Vars(r)["uuid"], up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEtagJSON(w, http.StatusOK, v.Etag, v)
}

func (s *Server) handleDeleteVPC(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteVPC(r.Context(), mux.Vars(r)["uuid"], r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVPCNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := s.engine.VPCNetworks(r.Context(), mux.Vars(r)["uuid"])
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
