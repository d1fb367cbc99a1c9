// Package redis implements store.Store on Redis. Each task is a Hash and
// every partition keeps two Sets indexing its task ids, one for the whole
// partition and one per resource. Claims, inserts and updates run as Lua
// scripts that read the server clock with TIME, so all instances agree on
// lease expiry and no two owners can claim the same task.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// The scripts touch keys derived from their arguments, so the store needs
// a standalone Redis (or a cluster where every partition hashes to one
// slot).
package redis
