package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ckbpop/errs"
)

// rpcServer fakes a CKB node: it dispatches on the JSON-RPC method name
// and records the raw params of each call.
func rpcServer(t *testing.T, handlers map[string]func(params []json.RawMessage) (interface{}, error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		handler, ok := handlers[req.Method]
		if !ok {
			t.Errorf("unexpected method %q", req.Method)
			return
		}
		result, err := handler(req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if err != nil {
			resp["error"] = map[string]interface{}{"code": -32000, "message": err.Error()}
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestTipBlockNumber(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (interface{}, error){
		"get_tip_block_number": func([]json.RawMessage) (interface{}, error) {
			return "0x1a2b", nil
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	tip, err := client.TipBlockNumber(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tip != 0x1a2b {
		t.Fatalf("tip = %d, want %d", tip, 0x1a2b)
	}
}

func TestTransactionCommitted(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (interface{}, error){
		"get_transaction": func([]json.RawMessage) (interface{}, error) {
			return map[string]interface{}{
				"tx_status": map[string]interface{}{
					"status":     "committed",
					"block_hash": "0xabc123",
				},
			}, nil
		},
		"get_block": func(params []json.RawMessage) (interface{}, error) {
			var hash string
			if err := json.Unmarshal(params[0], &hash); err != nil {
				return nil, err
			}
			if hash != "0xabc123" {
				return nil, fmt.Errorf("unexpected block hash %s", hash)
			}
			return map[string]interface{}{
				"header": map[string]interface{}{"number": "0x2a"},
			}, nil
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	status, err := client.Transaction(context.Background(), "0xdeadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Confirmed() {
		t.Fatal("committed transaction should be confirmed")
	}
	if status.BlockNumber != 42 {
		t.Fatalf("block number = %d, want 42", status.BlockNumber)
	}
}

func TestTransactionPending(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (interface{}, error){
		"get_transaction": func([]json.RawMessage) (interface{}, error) {
			return map[string]interface{}{
				"tx_status": map[string]interface{}{"status": "pending", "block_hash": nil},
			}, nil
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	status, err := client.Transaction(context.Background(), "0xdeadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if status == nil || status.Confirmed() {
		t.Fatalf("pending transaction should be unconfirmed, got %+v", status)
	}
	if status.BlockNumber != 0 {
		t.Fatalf("pending transaction should not carry a block number, got %d", status.BlockNumber)
	}
}

func TestTransactionUnknown(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (interface{}, error){
		"get_transaction": func([]json.RawMessage) (interface{}, error) {
			return nil, nil
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	status, err := client.Transaction(context.Background(), "0xdeadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if status != nil {
		t.Fatalf("unknown transaction should be nil, got %+v", status)
	}
}

func TestCellsPagination(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (interface{}, error){
		"get_cells": func(params []json.RawMessage) (interface{}, error) {
			var cursor *string
			if err := json.Unmarshal(params[3], &cursor); err != nil {
				return nil, err
			}
			if cursor == nil {
				return map[string]interface{}{
					"last_cursor": "0xcursor1",
					"objects": []interface{}{map[string]interface{}{
						"output": map[string]interface{}{
							"capacity": "0x1234",
							"lock": map[string]interface{}{
								"code_hash": "0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8",
								"hash_type": "type",
								"args":      "0xb39bbc0b3673c7d36450bc14cfcdad2d559c6c64",
							},
							"type": nil,
						},
						"out_point":    map[string]interface{}{"tx_hash": "0xaaa", "index": "0x0"},
						"block_number": "0x64",
						"tx_index":     "0x1",
						"output_data":  "0x",
					}},
				}, nil
			}
			return map[string]interface{}{"last_cursor": *cursor, "objects": []interface{}{}}, nil
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	key := SearchKey{Script: Script{CodeHash: "0xabc", HashType: "type", Args: "0x"}, ScriptType: "type"}

	page, err := client.Cells(context.Background(), key, "", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Objects) != 1 {
		t.Fatalf("expected one cell, got %d", len(page.Objects))
	}
	cell := page.Objects[0]
	if uint64(cell.BlockNumber) != 100 {
		t.Fatalf("block number = %d, want 100", cell.BlockNumber)
	}
	if cell.Output.Lock.Args != "0xb39bbc0b3673c7d36450bc14cfcdad2d559c6c64" {
		t.Fatalf("unexpected lock args %s", cell.Output.Lock.Args)
	}

	next, err := client.Cells(context.Background(), key, page.LastCursor, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Objects) != 0 {
		t.Fatalf("second page should be empty, got %d cells", len(next.Objects))
	}
}

func TestRPCErrorIsTransient(t *testing.T) {
	srv := rpcServer(t, map[string]func([]json.RawMessage) (interface{}, error){
		"get_tip_block_number": func([]json.RawMessage) (interface{}, error) {
			return nil, fmt.Errorf("node overloaded")
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.TipBlockNumber(context.Background())
	if err == nil {
		t.Fatal("expected rpc error")
	}
	if errs.KindOf(err) != errs.KindTransient {
		t.Fatalf("rpc failures should be transient, got %v", errs.KindOf(err))
	}
}

func TestUnreachableNodeIsTransient(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := client.TipBlockNumber(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if errs.KindOf(err) != errs.KindTransient {
		t.Fatalf("connection failures should be transient, got %v", errs.KindOf(err))
	}
}
