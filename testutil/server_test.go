package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/resql/resql-go/param"
	"github.com/resql/resql-go/protocol"
	"github.com/resql/resql-go/transport"
	"github.com/resql/resql-go/transport/tcp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type rawClient struct {
	t  *testing.T
	tr transport.Transport
}

func dialRaw(t *testing.T, s *Server, cluster, name string) (*rawClient, *protocol.ConnectResponse) {
	t.Helper()

	ep, err := transport.ParseEndpoint(s.Endpoint())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, err := tcp.NewDialer(tcp.Options{}).Dial(ctx, ep)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })

	c := &rawClient{t: t, tr: tr}
	typ, payload := c.roundTrip((&protocol.ConnectRequest{ClusterName: cluster, ClientName: name}).Encode())
	if typ != protocol.MsgConnectResp {
		t.Fatalf("expected connect response, got %d", typ)
	}
	resp, err := protocol.DecodeConnectResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	return c, resp
}

func (c *rawClient) roundTrip(frame []byte) (byte, []byte) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.tr.Send(ctx, frame); err != nil {
		c.t.Fatal(err)
	}
	raw, err := c.tr.Receive(ctx)
	if err != nil {
		c.t.Fatal(err)
	}
	typ, payload, err := protocol.ParseFrame(raw)
	if err != nil {
		c.t.Fatal(err)
	}
	return typ, payload
}

func (c *rawClient) exec(readonly bool, seq uint64, tasks ...protocol.Task) *protocol.ClientResponse {
	c.t.Helper()

	_, payload := c.roundTrip((&protocol.ClientRequest{Readonly: readonly, Sequence: seq, Tasks: tasks}).Encode())
	resp, err := protocol.DecodeClientResponse(payload)
	if err != nil {
		c.t.Fatal(err)
	}
	return resp
}

func sqlTask(sql string, bindings ...protocol.Binding) protocol.Task {
	return protocol.Task{Kind: protocol.TaskStatement, SQL: sql, Bindings: bindings}
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s, err := Start(Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerBatch(t *testing.T) {
	s := startServer(t)
	c, conn := dialRaw(t, s, "cluster", "raw")
	if conn.RC != protocol.RCOk || conn.Sequence != 0 {
		t.Fatalf("unexpected connect response %+v", conn)
	}

	resp := c.exec(false, 1,
		sqlTask("CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB)"),
		sqlTask("INSERT INTO kv VALUES (:k, ?)",
			protocol.Binding{Named: true, Name: ":k", Value: param.Text("a")},
			protocol.Binding{Index: 1, Value: param.Blob([]byte{1, 2})}),
		sqlTask("SELECT k, v FROM kv"),
	)
	if !resp.OK {
		t.Fatalf("batch failed: %s", resp.Message)
	}

	headers, err := protocol.DecodeResults(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(headers) != 3 {
		t.Fatalf("expected 3 results, got %d", len(headers))
	}
	if headers[1].Changes != 1 || headers[1].LastRowID != 1 {
		t.Errorf("unexpected insert result %+v", headers[1])
	}
	if !headers[2].Query || headers[2].RowCount != 1 {
		t.Fatalf("unexpected select result %+v", headers[2])
	}

	row := make([]param.Value, 2)
	if _, err := protocol.DecodeRow(resp.Body, headers[2].RowsOffset, row); err != nil {
		t.Fatal(err)
	}
	if row[0].String() != "a" || string(row[1].Bytes()) != "\x01\x02" {
		t.Errorf("unexpected row %v", row)
	}
}

func TestServerBatchIsAtomic(t *testing.T) {
	s := startServer(t)
	c, _ := dialRaw(t, s, "cluster", "raw")

	if resp := c.exec(false, 1, sqlTask("CREATE TABLE t (id INTEGER)")); !resp.OK {
		t.Fatal(resp.Message)
	}

	resp := c.exec(false, 2, sqlTask("INSERT INTO t VALUES (1)"), sqlTask("INSERT INTO missing VALUES (1)"))
	if resp.OK {
		t.Fatal("expected the batch to fail")
	}

	if n, err := s.Query("SELECT count(*) FROM t"); err != nil || n != "0" {
		t.Errorf("expected rollback, got count=%s err=%v", n, err)
	}
}

func TestServerDeduplicatesSequence(t *testing.T) {
	s := startServer(t)
	c, _ := dialRaw(t, s, "cluster", "raw")

	c.exec(false, 1, sqlTask("CREATE TABLE t (id INTEGER)"))
	first := c.exec(false, 2, sqlTask("INSERT INTO t VALUES (1)"))
	again := c.exec(false, 2, sqlTask("INSERT INTO t VALUES (1)"))

	if !first.OK || !again.OK {
		t.Fatal("expected both replies to succeed")
	}
	if n, _ := s.Query("SELECT count(*) FROM t"); n != "1" {
		t.Errorf("duplicate request must not re-execute, count=%s", n)
	}

	if stale := c.exec(false, 1, sqlTask("INSERT INTO t VALUES (2)")); stale.OK {
		t.Error("expected stale sequence to be rejected")
	}
}

func TestServerReadonly(t *testing.T) {
	s := startServer(t)
	c, _ := dialRaw(t, s, "cluster", "raw")

	c.exec(false, 1, sqlTask("CREATE TABLE t (id INTEGER)"))

	if resp := c.exec(true, 1, sqlTask("INSERT INTO t VALUES (1)")); resp.OK {
		t.Error("readonly batch must reject writes")
	}
	if resp := c.exec(true, 1, sqlTask("SELECT count(*) FROM t")); !resp.OK {
		t.Errorf("readonly select failed: %s", resp.Message)
	}
	if resp := c.exec(false, 2, sqlTask("INSERT INTO t VALUES (1)")); !resp.OK {
		t.Errorf("write after readonly batch failed: %s", resp.Message)
	}
}

func TestServerPrepared(t *testing.T) {
	s := startServer(t)
	c, _ := dialRaw(t, s, "cluster", "raw")

	resp := c.exec(false, 1, protocol.Task{Kind: protocol.TaskPrepare, SQL: "SELECT ? + 1"})
	if !resp.OK {
		t.Fatal(resp.Message)
	}
	id, err := protocol.DecodePrepared(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 2; i++ {
		resp := c.exec(true, 1, protocol.Task{
			Kind:     protocol.TaskPrepared,
			Handle:   id,
			Bindings: []protocol.Binding{{Index: 0, Value: param.Int(i)}},
		})
		if !resp.OK {
			t.Fatal(resp.Message)
		}
		headers, err := protocol.DecodeResults(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		row := make([]param.Value, 1)
		protocol.DecodeRow(resp.Body, headers[0].RowsOffset, row)
		if row[0].Int64() != i+1 {
			t.Errorf("expected %d, got %v", i+1, row[0])
		}
	}

	if resp := c.exec(false, 2, protocol.Task{Kind: protocol.TaskDeletePrepared, Handle: id}); !resp.OK || len(resp.Body) != 0 {
		t.Fatalf("delete failed: %+v", resp)
	}
	if resp := c.exec(false, 3, protocol.Task{Kind: protocol.TaskDeletePrepared, Handle: id}); resp.OK {
		t.Error("expected second delete to fail")
	}
}

func TestServerRejectsMultipleStatements(t *testing.T) {
	s := startServer(t)
	c, _ := dialRaw(t, s, "cluster", "raw")

	if resp := c.exec(false, 1, sqlTask("SELECT 1; SELECT 2")); resp.OK {
		t.Error("expected multiple statements in one entry to fail")
	}
	if resp := c.exec(false, 2, sqlTask("SELECT 1;")); !resp.OK {
		t.Errorf("trailing semicolon should be accepted: %s", resp.Message)
	}
}

func TestServerClusterNameMismatch(t *testing.T) {
	s := startServer(t)
	_, resp := dialRaw(t, s, "other", "raw")

	if resp.RC != protocol.RCClusterNameMismatch {
		t.Errorf("expected cluster mismatch, got rc=%d", resp.RC)
	}
}

func TestServerSessionResume(t *testing.T) {
	s := startServer(t)
	c, _ := dialRaw(t, s, "cluster", "raw")
	c.exec(false, 1, sqlTask("CREATE TABLE t (id INTEGER)"))
	c.tr.Close()

	_, resp := dialRaw(t, s, "cluster", "raw")
	if resp.Sequence != 1 {
		t.Errorf("expected resumed sequence 1, got %d", resp.Sequence)
	}

	s.ExpireSession("raw")
	_, resp = dialRaw(t, s, "cluster", "raw")
	if resp.Sequence != 0 {
		t.Errorf("expected fresh session after expiry, got %d", resp.Sequence)
	}
}
