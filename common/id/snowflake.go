package id

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// Each process (server, worker) must use a distinct node ID.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new globally unique int64 ID using the Snowflake algorithm.
// IDs are time-ordered and unique across distributed instances.
func New() int64 {
	return node.Generate().Int64()
}

// Parse parses a decimal ID as sent over the wire. IDs are serialized as
// strings because they exceed the precision of JSON numbers in browsers.
func Parse(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return v, nil
}

// Time returns the creation time encoded in a snowflake ID.
func Time(v int64) time.Time {
	return time.UnixMilli(snowflake.ID(v).Time())
}
