package server

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/errs"
	"github.com/chunkswarm/chunkswarm/internal/peerproto"
)

type fakeStore struct {
	meta   map[string]chunkstore.FileMetadata
	chunks map[string][]byte
}

func (f *fakeStore) GetMetadata(filename string) (chunkstore.FileMetadata, error) {
	m, ok := f.meta[filename]
	if !ok {
		return chunkstore.FileMetadata{}, errs.New(errs.KindNotFound, "no such file")
	}
	return m, nil
}

func (f *fakeStore) ReadChunk(filename string, id int) ([]byte, error) {
	data, ok := f.chunks[fmt.Sprintf("%s#%d", filename, id)]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no such chunk")
	}
	return data, nil
}

func startTestServer(t *testing.T, store Store) (*Server, net.Addr) {
	t.Helper()
	srv, err := Listen(store, "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(srv.Close)
	return srv, srv.Addr()
}

func roundTrip(t *testing.T, addr net.Addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte(request + "\n"))
	require.NoError(t, err)

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := conn.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if rerr != nil {
			break
		}
	}
	return string(buf)
}

func TestPing(t *testing.T) {
	_, addr := startTestServer(t, &fakeStore{})
	assert.Equal(t, peerproto.Pong, roundTrip(t, addr, "PING"))
}

func TestRequestMetadataFound(t *testing.T) {
	store := &fakeStore{meta: map[string]chunkstore.FileMetadata{
		"movie.mp4": {Size: 10, Digest: "deadbeef", Chunks: []chunkstore.ChunkInfo{{ID: 0, Size: 10, Digest: "deadbeef"}}},
	}}
	_, addr := startTestServer(t, store)
	resp := roundTrip(t, addr, "REQUEST_METADATA movie.mp4")
	assert.Contains(t, resp, "deadbeef")
}

func TestRequestMetadataNotFound(t *testing.T) {
	_, addr := startTestServer(t, &fakeStore{})
	assert.Equal(t, peerproto.FileNotFound, roundTrip(t, addr, "REQUEST_METADATA missing.bin"))
}

func TestRequestChunkFound(t *testing.T) {
	store := &fakeStore{chunks: map[string][]byte{"a.bin#0": []byte("payload-bytes")}}
	_, addr := startTestServer(t, store)
	assert.Equal(t, "payload-bytes", roundTrip(t, addr, "REQUEST_CHUNK a.bin 0"))
}

func TestRequestChunkNotFound(t *testing.T) {
	_, addr := startTestServer(t, &fakeStore{})
	assert.Equal(t, peerproto.ChunkNotFound, roundTrip(t, addr, "REQUEST_CHUNK a.bin 7"))
}

func TestRequestChunkMalformedID(t *testing.T) {
	_, addr := startTestServer(t, &fakeStore{})
	assert.Equal(t, peerproto.ChunkNotFound, roundTrip(t, addr, "REQUEST_CHUNK a.bin notanumber"))
}
