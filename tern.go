// Package tern is a Go client library for Discord's REST and gateway APIs.
//
// The library is split into a REST half and a gateway half. Package api
// implements the REST request pipeline along with the dynamic rate-limit
// bucket cache in api/rate. Package gateway implements a single shard's
// websocket state machine, and gateway/shard implements the multi-shard
// manager with identify concurrency and live rescaling.
package tern

// Version is the library version. It is reported to Discord in the REST
// User-Agent header.
const Version = "0.1.0"
