package kvstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Every item of a dimension lives under "hive:{<dimension>}:" so that a
// Redis cluster keeps a dimension in one slot.

const catalogKey = "hive:catalog"

func prefix(dim string) string { return "hive:{" + dim + "}:" }

func semaphoreKey(dim string) string { return prefix(dim) + "semaphore" }

func topologyKey(dim string) string { return prefix(dim) + "topology" }

func primaryKey(dim string, key core.Key) string { return prefix(dim) + "pk:" + string(key) }

// primaryResourcesKey holds "<resource>/<resource key>" members owned by a primary key.
func primaryResourcesKey(dim string, key core.Key) string {
	return prefix(dim) + "pkres:" + string(key)
}

func nodeKeysKey(dim string, node core.NodeID) string {
	return prefix(dim) + "nodekeys:" + strconv.FormatInt(int64(node), 10)
}

func resourceKey(dim string, res core.ResourceID, key core.Key) string {
	return prefix(dim) + "res:" + strconv.FormatInt(int64(res), 10) + ":" + string(key)
}

func resourceMembersKey(dim string, res core.ResourceID) string {
	return prefix(dim) + "resall:" + strconv.FormatInt(int64(res), 10)
}

func secondaryKey(dim string, idx core.IndexID, key core.Key) string {
	return prefix(dim) + "sec:" + strconv.FormatInt(int64(idx), 10) + ":" + string(key)
}

func secondaryMembersKey(dim string, idx core.IndexID) string {
	return prefix(dim) + "secall:" + strconv.FormatInt(int64(idx), 10)
}

// resourceIndexesKey holds "<index>/<index key>" members referencing a resource key.
func resourceIndexesKey(dim string, res core.ResourceID, key core.Key) string {
	return prefix(dim) + "rksec:" + strconv.FormatInt(int64(res), 10) + ":" + string(key)
}

func statisticsKey(dim string, key core.Key) string { return prefix(dim) + "stats:" + string(key) }

func ref(id int64, key core.Key) string {
	return strconv.FormatInt(id, 10) + "/" + string(key)
}

func parseRef(s string) (int64, core.Key, error) {
	head, tail, ok := strings.Cut(s, "/")
	if !ok {
		return 0, "", fmt.Errorf("malformed directory reference %q", s)
	}
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed directory reference %q: %w", s, err)
	}
	return id, core.Key(tail), nil
}
