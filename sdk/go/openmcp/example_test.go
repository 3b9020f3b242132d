package openmcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"OpenMCP-Intent/sdk/go/openmcp"
)

func ExampleClient_SubmitTask() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(openmcp.Task{ID: "task-demo", Status: "pending", MaxRetries: 3})
	}))
	defer srv.Close()

	client, err := openmcp.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	task, err := client.SubmitTask(context.Background(), openmcp.TaskSubmission{Prompt: "swap 100 USDC to ETH"})
	if err != nil {
		panic(err)
	}
	fmt.Println(task.ID, task.Status)
	// Output: task-demo pending
}
