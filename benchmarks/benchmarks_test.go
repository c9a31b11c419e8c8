package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/resql/resql-go/client"
	"github.com/resql/resql-go/param"
	"github.com/resql/resql-go/protocol"
	"github.com/resql/resql-go/testutil"
)

const (
	createStmt = "CREATE TABLE bench_resql (id INTEGER PRIMARY KEY, a TEXT, b TEXT, c TEXT)"
	readStmt   = "SELECT * FROM bench_resql WHERE id = ?"
	writeStmt  = "INSERT INTO bench_resql VALUES (?, ?, ?, ?)"
)

func newBenchSession(b *testing.B) *client.Session {
	b.Helper()

	s := testutil.NewSession(b, testutil.StartServer(b, testutil.Options{}))
	testutil.MustRun(b, s, createStmt)
	return s
}

// BenchmarkSessionCreate measures connect and shutdown time
func BenchmarkSessionCreate(b *testing.B) {
	srv := testutil.StartServer(b, testutil.Options{})

	cfg := client.DefaultConfig()
	cfg.Endpoints = []string{srv.Endpoint()}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s, err := client.Create(context.Background(), cfg)
		if err != nil {
			b.Fatalf("Failed to connect: %v", err)
		}
		if err := s.Shutdown(context.Background()); err != nil {
			b.Fatalf("Failed to shutdown: %v", err)
		}
	}
}

// BenchmarkWorkload runs the prepared read/write mixes of the resql
// benchmark tool against the in-process server.
func BenchmarkWorkload(b *testing.B) {
	for _, readPct := range []int{100, 80, 50, 0} {
		b.Run(fmt.Sprintf("read=%d%%", readPct), func(b *testing.B) {
			s := newBenchSession(b)
			ctx := context.Background()

			read, err := s.Prepare(ctx, readStmt)
			if err != nil {
				b.Fatal(err)
			}
			write, err := s.Prepare(ctx, writeStmt)
			if err != nil {
				b.Fatal(err)
			}

			// Seed so reads find rows.
			for i := 0; i < 100; i++ {
				s.PutPrepared(write)
				s.BindIndex(0, param.Int(int64(i)))
				s.BindIndex(1, param.Text("dummy"))
				s.BindIndex(2, param.Text("dummy"))
				s.BindIndex(3, param.Text("dummy"))
			}
			if _, err := s.Exec(ctx, false); err != nil {
				b.Fatal(err)
			}

			next := int64(100)
			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if i%100 < readPct {
					s.PutPrepared(read)
					s.BindIndex(0, param.Int(int64(i%100)))
					if _, err := s.Exec(ctx, true); err != nil {
						b.Fatalf("Read failed: %v", err)
					}
					continue
				}

				s.PutPrepared(write)
				s.BindIndex(0, param.Int(next))
				s.BindIndex(1, param.Text("dummy"))
				s.BindIndex(2, param.Text("dummy"))
				s.BindIndex(3, param.Text("dummy"))
				next++
				if _, err := s.Exec(ctx, false); err != nil {
					b.Fatalf("Write failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkBatchInsert measures one round trip carrying many statements
func BenchmarkBatchInsert(b *testing.B) {
	s := newBenchSession(b)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	id := int64(0)
	for i := 0; i < b.N; i++ {
		for j := 0; j < 100; j++ {
			s.PutSQL(writeStmt)
			s.BindIndex(0, param.Int(id))
			s.BindIndex(1, param.Text("a"))
			s.BindIndex(2, param.Text("b"))
			s.BindIndex(3, param.Text("c"))
			id++
		}
		if _, err := s.Exec(ctx, false); err != nil {
			b.Fatalf("Batch failed: %v", err)
		}
	}
}

// BenchmarkEncodeRequest measures batch serialisation
func BenchmarkEncodeRequest(b *testing.B) {
	req := &protocol.ClientRequest{Sequence: 1}
	for i := 0; i < 100; i++ {
		req.Tasks = append(req.Tasks, protocol.Task{
			Kind: protocol.TaskStatement,
			SQL:  writeStmt,
			Bindings: []protocol.Binding{
				{Index: 0, Value: param.Int(int64(i))},
				{Index: 1, Value: param.Text("dummy")},
				{Index: 2, Value: param.Text("dummy")},
				{Index: 3, Value: param.Text("dummy")},
			},
		})
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = req.Encode()
	}
}

// BenchmarkDecodeResults measures result validation and row decoding
func BenchmarkDecodeResults(b *testing.B) {
	res := protocol.StatementResult{Query: true, Columns: []string{"id", "a", "b", "c"}}
	for i := 0; i < 1000; i++ {
		res.Rows = append(res.Rows, []param.Value{
			param.Int(int64(i)), param.Text("dummy"), param.Text("dummy"), param.Blob([]byte("dummy")),
		})
	}

	_, body, err := protocol.ParseFrame(protocol.EncodeResults([]protocol.StatementResult{res}))
	if err != nil {
		b.Fatal(err)
	}
	resp, err := protocol.DecodeClientResponse(body)
	if err != nil {
		b.Fatal(err)
	}

	row := make([]param.Value, 4)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		headers, err := protocol.DecodeResults(resp.Body)
		if err != nil {
			b.Fatal(err)
		}
		off := headers[0].RowsOffset
		for r := 0; r < headers[0].RowCount; r++ {
			if off, err = protocol.DecodeRow(resp.Body, off, row); err != nil {
				b.Fatal(err)
			}
		}
	}
}
