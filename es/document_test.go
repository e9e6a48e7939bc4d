package es

import (
	"strings"
	"testing"
)

func TestNewStreamDocument(t *testing.T) {
	tests := []struct {
		name       string
		objectName string
		objectID   string
		settings   ChunkSettings
		wantErr    bool
	}{
		{
			name:       "valid unchunked document",
			objectName: "order",
			objectID:   "42",
		},
		{
			name:       "valid chunked document",
			objectName: "order",
			objectID:   "42",
			settings:   ChunkSettings{EnableChunks: true, ChunkSize: 100},
		},
		{
			name:     "empty object name rejected",
			objectID: "42",
			wantErr:  true,
		},
		{
			name:       "empty object id rejected",
			objectName: "order",
			wantErr:    true,
		},
		{
			name:       "chunks enabled with zero size rejected",
			objectName: "order",
			objectID:   "42",
			settings:   ChunkSettings{EnableChunks: true},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := NewStreamDocument(tt.objectName, tt.objectID, tt.settings)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStreamDocument() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if doc.Active.StreamID != tt.objectName+"::"+tt.objectID {
				t.Errorf("StreamID = %q", doc.Active.StreamID)
			}
			if doc.Active.CurrentStreamVersion != EmptyStreamVersion {
				t.Errorf("CurrentStreamVersion = %d, want %d", doc.Active.CurrentStreamVersion, EmptyStreamVersion)
			}
			if len(doc.Active.StreamChunks) != 1 || doc.Active.StreamChunks[0].ChunkID != 0 {
				t.Errorf("StreamChunks = %+v, want single empty chunk 0", doc.Active.StreamChunks)
			}
		})
	}
}

func TestStreamDocument_ComputeHash(t *testing.T) {
	doc, err := NewStreamDocument("order", "42", ChunkSettings{})
	if err != nil {
		t.Fatalf("NewStreamDocument() error = %v", err)
	}

	h1 := doc.ComputeHash()
	if h1 == "" {
		t.Fatal("ComputeHash() returned empty hash")
	}
	if h2 := doc.ComputeHash(); h2 != h1 {
		t.Errorf("hash not stable: %q then %q", h1, h2)
	}

	// The hash fields themselves must not feed the hash
	doc.Hash = "something"
	doc.PrevHash = "else"
	if h3 := doc.ComputeHash(); h3 != h1 {
		t.Errorf("hash changed after setting hash fields: %q vs %q", h3, h1)
	}

	// Content changes must change the hash
	if err := doc.Advance(0, []ChunkDescriptor{{ChunkID: 0, FirstEventVersion: v(0), LastEventVersion: v(0)}}); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if h4 := doc.ComputeHash(); h4 == h1 {
		t.Error("hash unchanged after advancing the stream")
	}
}

func TestStreamDocument_Advance(t *testing.T) {
	doc, err := NewStreamDocument("order", "42", ChunkSettings{EnableChunks: true, ChunkSize: 2})
	if err != nil {
		t.Fatalf("NewStreamDocument() error = %v", err)
	}

	chunks := []ChunkDescriptor{
		{ChunkID: 0, FirstEventVersion: v(0), LastEventVersion: v(1)},
		{ChunkID: 1, FirstEventVersion: v(2), LastEventVersion: v(2)},
	}
	if err := doc.Advance(2, chunks); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if doc.Active.CurrentStreamVersion != 2 {
		t.Errorf("CurrentStreamVersion = %d, want 2", doc.Active.CurrentStreamVersion)
	}

	if err := doc.Advance(1, chunks); err == nil {
		t.Error("Advance() moving backwards should fail")
	}
}

func TestValidateChunkLayout(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []ChunkDescriptor
		head    int64
		wantErr string
	}{
		{
			name:   "single open empty chunk",
			chunks: []ChunkDescriptor{{ChunkID: 0}},
			head:   EmptyStreamVersion,
		},
		{
			name: "closed chunk followed by open chunk",
			chunks: []ChunkDescriptor{
				{ChunkID: 0, FirstEventVersion: v(0), LastEventVersion: v(1)},
				{ChunkID: 1, FirstEventVersion: v(2), LastEventVersion: v(3)},
			},
			head: 3,
		},
		{
			name:    "empty list rejected",
			chunks:  nil,
			head:    EmptyStreamVersion,
			wantErr: "at least",
		},
		{
			name: "non sequential chunk ids",
			chunks: []ChunkDescriptor{
				{ChunkID: 0, FirstEventVersion: v(0), LastEventVersion: v(1)},
				{ChunkID: 2},
			},
			head:    1,
			wantErr: "sequential",
		},
		{
			name: "empty chunk before the last",
			chunks: []ChunkDescriptor{
				{ChunkID: 0},
				{ChunkID: 1, FirstEventVersion: v(0), LastEventVersion: v(1)},
			},
			head:    1,
			wantErr: "open chunk",
		},
		{
			name: "inverted range",
			chunks: []ChunkDescriptor{
				{ChunkID: 0, FirstEventVersion: v(3), LastEventVersion: v(1)},
			},
			head:    3,
			wantErr: "inverted",
		},
		{
			name: "gap between chunks",
			chunks: []ChunkDescriptor{
				{ChunkID: 0, FirstEventVersion: v(0), LastEventVersion: v(1)},
				{ChunkID: 1, FirstEventVersion: v(3), LastEventVersion: v(3)},
			},
			head:    3,
			wantErr: "does not continue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChunkLayout(tt.chunks, tt.head)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateChunkLayout() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateChunkLayout() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateChunkLayout() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStreamDocument_AddSnapshot(t *testing.T) {
	doc, err := NewStreamDocument("order", "42", ChunkSettings{})
	if err != nil {
		t.Fatalf("NewStreamDocument() error = %v", err)
	}
	if err := doc.Advance(4, []ChunkDescriptor{{ChunkID: 0, FirstEventVersion: v(0), LastEventVersion: v(4)}}); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	if err := doc.AddSnapshot(SnapshotRef{UntilVersion: 4}); err != nil {
		t.Errorf("AddSnapshot(4) error = %v", err)
	}
	if err := doc.AddSnapshot(SnapshotRef{UntilVersion: 5}); err == nil {
		t.Error("AddSnapshot() beyond head should fail")
	}
	if err := doc.AddSnapshot(SnapshotRef{UntilVersion: -1}); err == nil {
		t.Error("AddSnapshot() with negative version should fail")
	}
}

func TestStreamDocument_Terminate(t *testing.T) {
	doc, err := NewStreamDocument("order", "42", ChunkSettings{EnableChunks: true, ChunkSize: 10})
	if err != nil {
		t.Fatalf("NewStreamDocument() error = %v", err)
	}
	if err := doc.Advance(2, []ChunkDescriptor{{ChunkID: 0, FirstEventVersion: v(0), LastEventVersion: v(2)}}); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	if err := doc.Terminate("migrated", ""); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if got := doc.Active.StreamID; got != "order::42::g1" {
		t.Errorf("new StreamID = %q, want order::42::g1", got)
	}
	if doc.Active.CurrentStreamVersion != EmptyStreamVersion {
		t.Errorf("new stream version = %d, want empty", doc.Active.CurrentStreamVersion)
	}
	if len(doc.TerminatedStreams) != 1 {
		t.Fatalf("TerminatedStreams = %d, want 1", len(doc.TerminatedStreams))
	}
	term := doc.TerminatedStreams[0]
	if term.StreamID != "order::42" || term.TerminatedAtVersion != 2 || term.Reason != "migrated" {
		t.Errorf("terminated record = %+v", term)
	}

	// A second termination opens generation 2
	if err := doc.Terminate("again", ""); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if got := doc.Active.StreamID; got != "order::42::g2" {
		t.Errorf("second generation StreamID = %q, want order::42::g2", got)
	}

	// Broken streams cannot be terminated
	doc.MarkBroken(BrokenStreamInfo{OrphanedFromVersion: 0, OrphanedToVersion: 1})
	if err := doc.Terminate("nope", ""); err == nil {
		t.Error("Terminate() on broken stream should fail")
	}
}

func TestStreamDocument_Clone(t *testing.T) {
	doc, err := NewStreamDocument("order", "42", ChunkSettings{EnableChunks: true, ChunkSize: 2})
	if err != nil {
		t.Fatalf("NewStreamDocument() error = %v", err)
	}
	doc.MarkBroken(BrokenStreamInfo{OrphanedFromVersion: 3, OrphanedToVersion: 4})

	clone := doc.Clone()
	clone.Active.StreamChunks[0].ChunkID = 99
	clone.BrokenStream.OrphanedFromVersion = 99

	if doc.Active.StreamChunks[0].ChunkID == 99 {
		t.Error("Clone() shares the chunk slice")
	}
	if doc.BrokenStream.OrphanedFromVersion == 99 {
		t.Error("Clone() shares the broken-stream marker")
	}
}

func TestChunkDescriptor_Overlaps(t *testing.T) {
	closed := ChunkDescriptor{ChunkID: 0, FirstEventVersion: v(3), LastEventVersion: v(5)}

	tests := []struct {
		name  string
		chunk ChunkDescriptor
		from  int64
		to    int64
		want  bool
	}{
		{"range inside chunk", closed, 4, 4, true},
		{"range covering chunk", closed, 0, 10, true},
		{"range before chunk", closed, 0, 2, false},
		{"range after chunk", closed, 6, 9, false},
		{"open ended range", closed, 5, EndOfStream, true},
		{"empty chunk never overlaps", ChunkDescriptor{ChunkID: 1}, 0, EndOfStream, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.chunk.Overlaps(tt.from, tt.to); got != tt.want {
				t.Errorf("Overlaps(%d, %d) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
