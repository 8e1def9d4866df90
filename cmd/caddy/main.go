package main

import (
	"fmt"
	"os"

	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	// Import standard modules
	_ "github.com/caddyserver/caddy/v2/modules/standard"

	// Import the Lua filter module
	_ "github.com/caddy-lua/request-filter"
)

const sampleScript = `function envoy_on_request(handle)
  local headers = handle:headers()
  handle:log(1, "request path=" .. (headers:get(":path") or "?"))
end
`

const devCaddyfileTemplate = `{
	admin off
	auto_https off
}

:8882 {
	route /* {
		lua_filter {
			script %s
		}
		respond "ok" 200
	}
}
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == "dev" {
		runDevMode()
		return
	}

	caddycmd.Main()
}

func runDevMode() {
	fmt.Println("Starting lua_filter development server...")
	fmt.Println("Server running at: http://localhost:8882")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	scriptFile, err := os.CreateTemp("", "lua-filter-sample-*.lua")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating sample script: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(scriptFile.Name())
	if _, err := scriptFile.WriteString(sampleScript); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing sample script: %v\n", err)
		os.Exit(1)
	}
	if err := scriptFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing sample script: %v\n", err)
		os.Exit(1)
	}

	caddyfile, err := os.CreateTemp("", "Caddyfile.*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating temp Caddyfile: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(caddyfile.Name())

	contents := fmt.Sprintf(devCaddyfileTemplate, scriptFile.Name())
	if _, err := caddyfile.WriteString(contents); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing temp Caddyfile: %v\n", err)
		os.Exit(1)
	}
	if err := caddyfile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing temp Caddyfile: %v\n", err)
		os.Exit(1)
	}

	os.Args = []string{os.Args[0], "run", "--config", caddyfile.Name()}
	caddycmd.Main()
}
