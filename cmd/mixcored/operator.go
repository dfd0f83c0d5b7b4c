package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// baseURL resolves the running core's address for operator subcommands.
func baseURL() string {
	if v := strings.TrimSpace(os.Getenv("MIXCORED_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:8080"
}

var operatorClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(path string) (int, []byte, error) {
	resp, err := operatorClient.Get(baseURL() + path)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func postJSON(path string, payload interface{}) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	resp, err := operatorClient.Post(baseURL()+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

// printPretty re-indents a JSON body for terminal output.
func printPretty(body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	fmt.Println(buf.String())
}

func cmdStatus() int {
	code, body, err := getJSON("/v1/admin/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixcored: %v\n", err)
		return 1
	}
	printPretty(body)
	if code != http.StatusOK {
		return 1
	}
	return 0
}

func cmdSessionShow(id string) int {
	code, body, err := getJSON("/v1/sessions/" + id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixcored: %v\n", err)
		return 1
	}
	printPretty(body)
	if code != http.StatusOK {
		return 1
	}
	return 0
}

func cmdAlertsList() int {
	code, body, err := getJSON("/v1/admin/alerts")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixcored: %v\n", err)
		return 1
	}
	printPretty(body)
	if code != http.StatusOK {
		return 1
	}
	return 0
}

func cmdAlertsAction(action, id string) int {
	actor := os.Getenv("USER")
	if actor == "" {
		actor = "operator"
	}
	code, body, err := postJSON("/v1/admin/alerts/"+id+"/"+action, map[string]string{"actor": actor})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixcored: %v\n", err)
		return 1
	}
	printPretty(body)
	if code != http.StatusOK {
		return 1
	}
	return 0
}

func cmdMaintenance(on bool, reason string) int {
	code, body, err := postJSON("/v1/admin/maintenance", map[string]interface{}{"on": on, "reason": reason})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixcored: %v\n", err)
		return 1
	}
	printPretty(body)
	if code != http.StatusOK {
		return 1
	}
	return 0
}
