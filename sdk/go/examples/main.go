package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Redfish/sdk/go/redfish"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(redfish.Run{
				ID:     "run-demo",
				Status: "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/runs/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(redfish.Run{
			ID:     "run-demo",
			Status: "succeeded",
			Report: &redfish.Report{
				State:    "succeeded",
				Verified: true,
				ProofRef: "2f7a1c",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := redfish.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attestation := json.RawMessage(`{"success":true,"notary":"0xaa","data":{"encoded_payload":"0x"}}`)
	created, err := client.SubmitRun(ctx, redfish.RunSubmission{Attestation: attestation})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", created.ID, created.Status)

	detail, err := client.GetRun(ctx, created.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("retrieved run %s verified=%v proof=%s\n", detail.ID, detail.Report.Verified, detail.Report.ProofRef)
}
