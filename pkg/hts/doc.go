// Package hts is a Go client for the hybrid-tiered-storage NATS responder.
//
// The daemon answers read-only control-plane requests over NATS
// request-reply when api.nats_responder is enabled. This package wraps
// those subjects in typed calls.
//
// # Installation
//
//	go get github.com/gftdcojp/hybrid-tiered-storage/pkg/hts
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := hts.New(hts.Config{NC: nc})
//
//	status, _ := client.Status(ctx)
//	fmt.Println(status.LiveChunks)
//
//	// Chunk placement, live or persisted
//	info, _ := client.Chunk(ctx, 42, 0)
//	fmt.Println(info.Authoritative, info.Usage.Temperature)
//
//	// Byte range of an object
//	data, _ := client.Read(ctx, 42, 0, 4096)
//
// # Subjects
//
// The prefix defaults to "hts" and can be changed with [Config.SubjectPrefix].
//
//	hts.status                  engine summary
//	hts.chunk.{object}.{part}   chunk placement and usage
//	hts.read.{object}           read {offset,length} of an object
package hts
