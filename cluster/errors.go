package cluster

import "errors"

var (
	// ErrManagerClosed is returned by operations on a closed Manager.
	ErrManagerClosed = errors.New("manager closed")

	// ErrDatasetExists is returned when setting up a dataset twice.
	ErrDatasetExists = errors.New("dataset already exists")

	// ErrNodeExists is returned when registering a node ID twice.
	ErrNodeExists = errors.New("node already registered")

	// ErrUnknownNode is returned for operations naming an unregistered node.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownShard is returned for a shard ID outside the dataset's range.
	ErrUnknownShard = errors.New("shard id out of range")

	// ErrNotOwner is returned when a node reports on a shard it does not own.
	ErrNotOwner = errors.New("node does not own shard")

	// ErrShardTerminal is returned when an operation would resurrect a
	// Stopped or Error shard; only a dataset reset can do that.
	ErrShardTerminal = errors.New("shard is terminal until dataset reset")
)
