package core

// MutationKind enumerates the changes a store can commit.
type MutationKind int

const (
	MutationAddNode MutationKind = iota + 1
	MutationUpdateNode
	MutationRemoveNode
	MutationAddResource
	MutationRemoveResource
	MutationAddSecondaryIndex
	MutationRemoveSecondaryIndex
	MutationSetStatus
	MutationInsertPrimaryKey
	MutationDeletePrimaryKey
	MutationUpdateNodesOfPrimaryKey
	MutationInsertResourceID
	MutationDeleteResourceID
	MutationInsertSecondaryIndexKey
	MutationDeleteSecondaryIndexKey
)

var mutationNames = map[MutationKind]string{
	MutationAddNode:                 "add-node",
	MutationUpdateNode:              "update-node",
	MutationRemoveNode:              "remove-node",
	MutationAddResource:             "add-resource",
	MutationRemoveResource:          "remove-resource",
	MutationAddSecondaryIndex:       "add-secondary-index",
	MutationRemoveSecondaryIndex:    "remove-secondary-index",
	MutationSetStatus:               "set-status",
	MutationInsertPrimaryKey:        "insert-primary-key",
	MutationDeletePrimaryKey:        "delete-primary-key",
	MutationUpdateNodesOfPrimaryKey: "update-nodes-of-primary-key",
	MutationInsertResourceID:        "insert-resource-id",
	MutationDeleteResourceID:        "delete-resource-id",
	MutationInsertSecondaryIndexKey: "insert-secondary-index-key",
	MutationDeleteSecondaryIndexKey: "delete-secondary-index-key",
}

func (k MutationKind) String() string {
	if s, ok := mutationNames[k]; ok {
		return s
	}
	return "unknown"
}

// IsTopology reports whether the mutation changes the dimension object graph.
func (k MutationKind) IsTopology() bool {
	return k >= MutationAddNode && k <= MutationRemoveSecondaryIndex
}

// AllowedWhileReadOnly reports whether the mutation may commit while the
// semaphore is read-only. Only key repoints and status changes qualify.
func (k MutationKind) AllowedWhileReadOnly() bool {
	return k == MutationUpdateNodesOfPrimaryKey || k == MutationSetStatus
}

// Mutation is one gated change to a dimension. Only the fields relevant to
// Kind are read.
type Mutation struct {
	Kind MutationKind

	Node     Node
	Resource Resource
	Index    SecondaryIndex

	NodeID     NodeID
	ResourceID ResourceID
	IndexID    IndexID
	Status     Status

	Key         Key
	NodeIDs     []NodeID
	ResourceKey Key
	IndexKey    Key
}

func AddNode(n Node) Mutation { return Mutation{Kind: MutationAddNode, Node: n} }

func UpdateNode(n Node) Mutation { return Mutation{Kind: MutationUpdateNode, Node: n} }

func RemoveNode(id NodeID) Mutation { return Mutation{Kind: MutationRemoveNode, NodeID: id} }

func AddResource(r Resource) Mutation { return Mutation{Kind: MutationAddResource, Resource: r} }

func RemoveResource(id ResourceID) Mutation {
	return Mutation{Kind: MutationRemoveResource, ResourceID: id}
}

func AddSecondaryIndex(idx SecondaryIndex) Mutation {
	return Mutation{Kind: MutationAddSecondaryIndex, Index: idx, ResourceID: idx.ResourceID}
}

func RemoveSecondaryIndex(id IndexID) Mutation {
	return Mutation{Kind: MutationRemoveSecondaryIndex, IndexID: id}
}

func SetStatus(s Status) Mutation { return Mutation{Kind: MutationSetStatus, Status: s} }

func InsertPrimaryKey(key Key, nodes []NodeID) Mutation {
	return Mutation{Kind: MutationInsertPrimaryKey, Key: key, NodeIDs: nodes}
}

func DeletePrimaryKey(key Key) Mutation {
	return Mutation{Kind: MutationDeletePrimaryKey, Key: key}
}

func UpdateNodesOfPrimaryKey(key Key, nodes []NodeID) Mutation {
	return Mutation{Kind: MutationUpdateNodesOfPrimaryKey, Key: key, NodeIDs: nodes}
}

func InsertResourceID(resource ResourceID, resourceKey, primaryKey Key) Mutation {
	return Mutation{Kind: MutationInsertResourceID, ResourceID: resource, ResourceKey: resourceKey, Key: primaryKey}
}

func DeleteResourceID(resource ResourceID, resourceKey Key) Mutation {
	return Mutation{Kind: MutationDeleteResourceID, ResourceID: resource, ResourceKey: resourceKey}
}

func InsertSecondaryIndexKey(index IndexID, indexKey, resourceKey Key) Mutation {
	return Mutation{Kind: MutationInsertSecondaryIndexKey, IndexID: index, IndexKey: indexKey, ResourceKey: resourceKey}
}

func DeleteSecondaryIndexKey(index IndexID, indexKey, resourceKey Key) Mutation {
	return Mutation{Kind: MutationDeleteSecondaryIndexKey, IndexID: index, IndexKey: indexKey, ResourceKey: resourceKey}
}
