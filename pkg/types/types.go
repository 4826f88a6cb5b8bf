package types

import "encoding/json"

// NodeType identifies the role of a cluster node.
type NodeType string

const (
	NodeTypeHead    NodeType = "head"
	NodeTypeData    NodeType = "dn"
	NodeTypeService NodeType = "sn"
	NodeTypeAsync   NodeType = "an"
)

// NodeState is the lifecycle state of a worker node.
type NodeState string

const (
	NodeStateInitializing NodeState = "INITIALIZING"
	NodeStateWaiting      NodeState = "WAITING"
	NodeStateReady        NodeState = "READY"
)

// ClusterState is READY only when every configured slot of every role is
// filled by a live node.
type ClusterState string

const (
	ClusterStateInitializing ClusterState = "INITIALIZING"
	ClusterStateReady        ClusterState = "READY"
)

// NodeInfo is one entry of the head node's cluster view.
type NodeInfo struct {
	ID         string   `json:"id"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	NodeType   NodeType `json:"node_type"`
	NodeNumber int      `json:"node_number"`
}

// Permission is one ACL entry: the six action flags for a single user.
type Permission struct {
	Create    bool `json:"create"`
	Read      bool `json:"read"`
	Update    bool `json:"update"`
	Delete    bool `json:"delete"`
	ReadACL   bool `json:"readACL"`
	UpdateACL bool `json:"updateACL"`
}

// Action names an operation checked against a Permission.
type Action string

const (
	ActionCreate    Action = "create"
	ActionRead      Action = "read"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionReadACL   Action = "readACL"
	ActionUpdateACL Action = "updateACL"
)

// Domain is the persisted record for a domain or folder. A folder has no
// root group (Root empty).
type Domain struct {
	Root         string                `json:"root,omitempty"`
	Owner        string                `json:"owner"`
	ACLs         map[string]Permission `json:"acls"`
	Created      float64               `json:"created"`
	LastModified float64               `json:"lastModified"`
}

// IsFolder reports whether the domain has no root group.
func (d *Domain) IsFolder() bool {
	return d.Root == ""
}

// LinkClass discriminates the three link variants.
type LinkClass string

const (
	LinkClassHard     LinkClass = "H5L_TYPE_HARD"
	LinkClassSoft     LinkClass = "H5L_TYPE_SOFT"
	LinkClassExternal LinkClass = "H5L_TYPE_EXTERNAL"
)

// Link is stored inside the parent group's JSON, keyed by title.
type Link struct {
	Class      LinkClass `json:"class"`
	ID         string    `json:"id,omitempty"`         // hard
	Collection string    `json:"collection,omitempty"` // hard
	H5Path     string    `json:"h5path,omitempty"`     // soft, external
	H5Domain   string    `json:"h5domain,omitempty"`   // external
	Created    float64   `json:"created,omitempty"`
}

// Attribute is a named, typed value attached to a group, dataset, or
// committed datatype.
type Attribute struct {
	Type    DataType        `json:"type"`
	Shape   Shape           `json:"shape"`
	Value   json.RawMessage `json:"value,omitempty"`
	Created float64         `json:"created,omitempty"`
}

// Shape describes a dataspace. A zero in MaxDims means unlimited in that
// dimension.
type Shape struct {
	Class   string  `json:"class"` // H5S_SIMPLE | H5S_SCALAR | H5S_NULL
	Dims    []int64 `json:"dims,omitempty"`
	MaxDims []int64 `json:"maxdims,omitempty"`
}

const (
	ShapeClassSimple = "H5S_SIMPLE"
	ShapeClassScalar = "H5S_SCALAR"
	ShapeClassNull   = "H5S_NULL"
)

// Layout is the creation-time chunk geometry.
type Layout struct {
	Class string  `json:"class"` // H5D_CHUNKED
	Dims  []int64 `json:"dims"`
}

// Filter is one entry of creationProperties.filters.
type Filter struct {
	Class string `json:"class"`
	ID    int    `json:"id,omitempty"`
	Level int    `json:"level,omitempty"`
}

const FilterClassDeflate = "H5Z_FILTER_DEFLATE"

// CreationProperties carries dataset creation options.
type CreationProperties struct {
	FillValue json.RawMessage `json:"fillValue,omitempty"`
	Filters   []Filter        `json:"filters,omitempty"`
}

// Group is the persisted record for a group object.
type Group struct {
	ID           string               `json:"id"`
	Root         string               `json:"root"`
	Domain       string               `json:"domain"`
	Created      float64              `json:"created"`
	LastModified float64              `json:"lastModified"`
	Links        map[string]Link      `json:"links"`
	Attributes   map[string]Attribute `json:"attributes"`
}

// Dataset is the persisted record for a dataset object.
type Dataset struct {
	ID                 string               `json:"id"`
	Root               string               `json:"root"`
	Domain             string               `json:"domain"`
	Type               DataType             `json:"type"`
	Shape              Shape                `json:"shape"`
	Layout             Layout               `json:"layout"`
	CreationProperties CreationProperties   `json:"creationProperties,omitempty"`
	Created            float64              `json:"created"`
	LastModified       float64              `json:"lastModified"`
	Attributes         map[string]Attribute `json:"attributes"`
	ChunkCount         int64                `json:"chunkCount,omitempty"`
	TotalSize          int64                `json:"totalSize,omitempty"`
}

// DeflateLevel returns the configured deflate level, or -1 when the dataset
// has no deflate filter.
func (d *Dataset) DeflateLevel() int {
	for _, f := range d.CreationProperties.Filters {
		if f.Class == FilterClassDeflate {
			return f.Level
		}
	}
	return -1
}

// Datatype is the persisted record for a committed datatype object.
type Datatype struct {
	ID           string               `json:"id"`
	Root         string               `json:"root"`
	Domain       string               `json:"domain"`
	Type         DataType             `json:"type"`
	Created      float64              `json:"created"`
	LastModified float64              `json:"lastModified"`
	Attributes   map[string]Attribute `json:"attributes"`
}
