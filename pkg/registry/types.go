// Package registry implements the addressing registry: networks, NICs and
// their IP records, nic tags, network pools, aggregations and fabric
// resources. All state lives in the store; every mutation is a
// precondition-checked batch.
package registry

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/store"
)

// Global buckets. IP records live in one bucket per network, see IPBucket.
var (
	NetworksBucket     = store.Bucket{Name: "napi_networks", Version: 2}
	NICsBucket         = store.Bucket{Name: "napi_nics", Version: 2}
	NicTagsBucket      = store.Bucket{Name: "napi_nic_tags", Version: 1}
	NetworkPoolsBucket = store.Bucket{Name: "napi_network_pools", Version: 1}
	AggrsBucket        = store.Bucket{Name: "napi_aggregations", Version: 1}
	FabricVLANsBucket  = store.Bucket{Name: "napi_fabric_vlans", Version: 1}
	VPCsBucket         = store.Bucket{Name: "napi_vpcs", Version: 1}
)

// IPBucket returns the per-network IP record bucket. Keys are canonical
// address strings; the ordered index uses the 32-hex sort key form.
func IPBucket(networkUUID string) store.Bucket {
	return store.Bucket{Name: "napi_ips_" + networkUUID, Version: 2}
}

// Address families
const (
	FamilyIPv4 = "ipv4"
	FamilyIPv6 = "ipv6"
)

// NIC states
const (
	StateProvisioning = "provisioning"
	StateRunning      = "running"
	StateStopped      = "stopped"
)

// LACP modes for aggregations
const (
	LACPOff     = "off"
	LACPActive  = "active"
	LACPPassive = "passive"
)

// Belongs-to types
const (
	BelongsToZone   = "zone"
	BelongsToServer = "server"
	BelongsToOther  = "other"
)

// Network is a logical L3 subnet that addresses are provisioned from.
type Network struct {
	UUID           string            `json:"uuid"`
	Name           string            `json:"name"`
	NicTag         string            `json:"nic_tag"`
	VLANID         int               `json:"vlan_id"`
	VnetID         *uint32           `json:"vnet_id,omitempty"`
	Family         string            `json:"family"`
	Subnet         netip.Prefix      `json:"subnet"`
	ProvisionStart netip.Addr        `json:"provision_start"`
	ProvisionEnd   netip.Addr        `json:"provision_end"`
	Gateway        *netip.Addr       `json:"gateway,omitempty"`
	Resolvers      []netip.Addr      `json:"resolvers,omitempty"`
	Routes         map[string]string `json:"routes,omitempty"`
	MTU            int               `json:"mtu"`
	OwnerUUIDs     []string          `json:"owner_uuids,omitempty"`
	Fabric         bool              `json:"fabric,omitempty"`
	VPCUUID        string            `json:"vpc_uuid,omitempty"`
	Description    string            `json:"description,omitempty"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// OwnedBy reports whether owner may provision on this network. Networks
// without owner_uuids are open to everyone; the admin owner may always
// provision.
func (n *Network) OwnedBy(owner, adminOwner string) bool {
	if len(n.OwnerUUIDs) == 0 {
		return true
	}
	if owner == adminOwner && adminOwner != "" {
		return true
	}
	for _, o := range n.OwnerUUIDs {
		if o == owner {
			return true
		}
	}
	return false
}

// InProvisionRange reports whether a falls inside [provision_start,
// provision_end].
func (n *Network) InProvisionRange(a netip.Addr) bool {
	return addr.Compare(a, n.ProvisionStart) >= 0 && addr.Compare(a, n.ProvisionEnd) <= 0
}

// Netmask returns the dotted-quad netmask for IPv4 networks.
func (n *Network) Netmask() (netip.Addr, error) {
	if n.Family != FamilyIPv4 {
		return netip.Addr{}, fmt.Errorf("netmask is IPv4-only")
	}
	return addr.BitsToNetmask(n.Subnet.Bits())
}

// IPRecord tracks one concrete address inside a network. Records are never
// physically removed: releasing an address leaves a freed tombstone
// (reserved=false, no belongs_to) that the allocator reuses oldest-first.
type IPRecord struct {
	Address       netip.Addr `json:"ip"`
	NetworkUUID   string     `json:"network_uuid"`
	Reserved      bool       `json:"reserved"`
	BelongsToType string     `json:"belongs_to_type,omitempty"`
	BelongsToUUID string     `json:"belongs_to_uuid,omitempty"`
	OwnerUUID     string     `json:"owner_uuid,omitempty"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// Free reports whether the record is a freed tombstone available for reuse.
func (r *IPRecord) Free() bool {
	return !r.Reserved && r.BelongsToUUID == ""
}

// NIC binds a MAC to an owner and optionally to one IP on one network.
type NIC struct {
	MAC             addr.MAC    `json:"mac"`
	OwnerUUID       string      `json:"owner_uuid"`
	BelongsToType   string      `json:"belongs_to_type"`
	BelongsToUUID   string      `json:"belongs_to_uuid"`
	CNUUID          string      `json:"cn_uuid,omitempty"`
	Primary         bool        `json:"primary,omitempty"`
	State           string      `json:"state"`
	NicTag          string      `json:"nic_tag,omitempty"`
	NicTagsProvided []string    `json:"nic_tags_provided,omitempty"`
	NetworkUUID     string      `json:"network_uuid,omitempty"`
	IP              *netip.Addr `json:"ip,omitempty"`

	// Anti-spoof flags are stored only when true.
	AllowDHCPSpoofing       bool `json:"allow_dhcp_spoofing,omitempty"`
	AllowIPSpoofing         bool `json:"allow_ip_spoofing,omitempty"`
	AllowMACSpoofing        bool `json:"allow_mac_spoofing,omitempty"`
	AllowRestrictedTraffic  bool `json:"allow_restricted_traffic,omitempty"`
	AllowUnfilteredPromisc  bool `json:"allow_unfiltered_promisc,omitempty"`

	Underlay  bool      `json:"underlay,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_timestamp"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// Key returns the NIC's store key: the decimal MAC integer.
func (n *NIC) Key() string {
	return nicKey(n.MAC)
}

func nicKey(m addr.MAC) string {
	return fmt.Sprintf("%d", uint64(m))
}

// nicSortKey zero-pads the decimal MAC so lexical index order is numeric
// order (48 bits needs at most 15 digits).
func nicSortKey(m addr.MAC) string {
	return fmt.Sprintf("%015d", uint64(m))
}

// NicTag names a physical network an operator cables to compute nodes.
type NicTag struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	MTU  int    `json:"mtu"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// NetworkPool groups networks that are interchangeable for provisioning.
type NetworkPool struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	Networks    []string `json:"networks"`
	Description string   `json:"description,omitempty"`

	// Derived from member networks, not stored.
	NicTagsPresent []string `json:"nic_tags_present,omitempty"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// Aggregation is a LACP bond of NICs on a single compute node. Its ID is
// "<cn_uuid>-<name>".
type Aggregation struct {
	ID              string     `json:"id"`
	BelongsToUUID   string     `json:"belongs_to_uuid"`
	Name            string     `json:"name"`
	MACs            []addr.MAC `json:"macs"`
	LACPMode        string     `json:"lacp_mode"`
	NicTagsProvided []string   `json:"nic_tags_provided,omitempty"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// AggrID builds an aggregation's store key.
func AggrID(cnUUID, name string) string {
	return cnUUID + "-" + name
}

// FabricVLAN scopes fabric networks under an owner's overlay.
type FabricVLAN struct {
	VLANID      int    `json:"vlan_id"`
	OwnerUUID   string `json:"owner_uuid"`
	VnetID      uint32 `json:"vnet_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// Key returns the fabric VLAN's store key.
func (v *FabricVLAN) Key() string {
	return fabricVLANKey(v.OwnerUUID, v.VLANID)
}

func fabricVLANKey(owner string, vlanID int) string {
	return fmt.Sprintf("%s-%d", owner, vlanID)
}

// VPC is an owner's fabric routing domain.
type VPC struct {
	UUID        string `json:"vpc_uuid"`
	OwnerUUID   string `json:"owner_uuid"`
	VnetID      uint32 `json:"vnet_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Etag  string    `json:"-"`
	Mtime time.Time `json:"-"`
}

// decode unmarshals a store record into v and copies the version metadata
// through the provided setters.
func decode(rec *store.Record, v interface{}) error {
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return fmt.Errorf("decoding %s: %w", rec.Key, err)
	}
	switch t := v.(type) {
	case *Network:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	case *IPRecord:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	case *NIC:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	case *NicTag:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	case *NetworkPool:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	case *Aggregation:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	case *FabricVLAN:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	case *VPC:
		t.Etag, t.Mtime = rec.Etag, rec.Mtime
	}
	return nil
}

func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All registry types marshal cleanly; this is a programmer error.
		panic(fmt.Sprintf("encoding record: %v", err))
	}
	return b
}
