package rpc

// Block source endpoint paths.
const (
	headPath   = "/v1/query/head"
	blocksPath = "/v1/query/blocks"
)
