// Package shm implements the shared-memory transport: a process-shared
// semaphore, the segment that hosts payload slots and semaphores, and the
// ping-pong channel protocol a Connection runs over them.
//
// A segment is laid out as
//
//	[payload slot 0][payload slot 1][header][channel client->server][channel server->client]
//
// where every slot is rounded up to 64 bytes and each channel header holds
// one Semaphore, the length of the message in its slot and a closed flag.
// Simplex segments carry a single slot shared by both directions.
//
// Example usage:
//
//	seg, err := shm.OpenNamed(ctx, "demo", shm.Options{PayloadSize: 64, Buffers: 2})
//	// ...
//	conn := shm.NewConnection(fd, seg, shm.RoleServer)
//	n, err := conn.Write([]byte("hello"))
package shm
