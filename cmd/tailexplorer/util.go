package main

import (
	"encoding/json"
	"fmt"
)

// defaultServerURL is where CLI commands look for a server when neither a
// flag nor a saved session names one.
const defaultServerURL = "http://localhost:8080"

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
