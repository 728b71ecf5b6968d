// Package tftest provides a scriptable stand-in for the terraform binary.
package tftest

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Options control the exit code of every sub-command. PlanExit defaults to
// 2 (changes pending) when zero-valued options are used via Default.
type Options struct {
	InitExit     int
	ValidateExit int
	PlanExit     int
	ApplyExit    int
	DestroyExit  int
	OutputExit   int
	// SlowStep sleeps for 30 seconds in the named sub-command.
	SlowStep string
}

func Default() Options {
	return Options{PlanExit: 2}
}

type Stub struct {
	Binary string
	log    string
}

const script = `#!/bin/sh
echo "$*" >> "{{log}}"
case "$1" in
init)
  {{sleep_init}}
  echo "Terraform has been successfully initialized!"
  [ {{init}} -ne 0 ] && echo "Error: Failed to query available provider packages" >&2
  exit {{init}} ;;
validate)
  {{sleep_validate}}
  echo "Success! The configuration is valid."
  [ {{validate}} -ne 0 ] && echo "Error: Reference to undeclared resource" >&2
  exit {{validate}} ;;
plan)
  {{sleep_plan}}
  for a in "$@"; do
    case "$a" in -out=*) echo "plan" > "${a#-out=}" ;; esac
  done
  echo "authenticating client $ARM_CLIENT_ID with $ARM_CLIENT_SECRET"
  echo "  # azurerm_resource_group.hub will be created"
  echo "Plan: 1 to add, 0 to change, 0 to destroy."
  [ {{plan}} -eq 1 ] && echo "Error: building AzureRM Client: subscription $ARM_SUBSCRIPTION_ID not found" >&2
  exit {{plan}} ;;
apply)
  {{sleep_apply}}
  echo "azurerm_resource_group.hub: Creating..."
  echo "azurerm_resource_group.hub: Creation complete after 1s [id=/subscriptions/$ARM_SUBSCRIPTION_ID/resourceGroups/rg-hub]"
  echo "azurerm_virtual_network.hub: Creation complete after 4s [id=/subscriptions/$ARM_SUBSCRIPTION_ID/resourceGroups/rg-hub/providers/Microsoft.Network/virtualNetworks/vnet-hub]"
  echo "Apply complete! Resources: 2 added, 0 changed, 0 destroyed."
  [ {{apply}} -ne 0 ] && echo "Error: Saved plan is stale" >&2
  exit {{apply}} ;;
destroy)
  {{sleep_destroy}}
  echo "azurerm_resource_group.hub: Destruction complete after 20s"
  echo "Destroy complete! Resources: 2 destroyed."
  [ {{destroy}} -ne 0 ] && echo "Error: deleting Resource Group" >&2
  exit {{destroy}} ;;
output)
  {{sleep_output}}
  printf '{"hub_vnet_id":{"sensitive":false,"type":"string","value":"vnet-hub"},"admin_password":{"sensitive":true,"type":"string","value":"hunter2"},"sp_login":{"sensitive":false,"type":"string","value":"%s:%s"}}\n' "$ARM_CLIENT_ID" "$ARM_CLIENT_SECRET"
  exit {{output}} ;;
esac
exit 0
`

// New writes a stub terraform binary into a temp dir.
func New(t testing.TB, o Options) *Stub {
	t.Helper()
	dir := t.TempDir()
	log := filepath.Join(dir, "calls.log")

	pairs := []string{"{{log}}", log}
	for _, s := range []struct {
		name string
		code int
	}{
		{"init", o.InitExit},
		{"validate", o.ValidateExit},
		{"plan", o.PlanExit},
		{"apply", o.ApplyExit},
		{"destroy", o.DestroyExit},
		{"output", o.OutputExit},
	} {
		sleep := ""
		if o.SlowStep == s.name {
			sleep = "sleep 30"
		}
		pairs = append(pairs,
			"{{"+s.name+"}}", strconv.Itoa(s.code),
			"{{sleep_"+s.name+"}}", sleep,
		)
	}

	bin := filepath.Join(dir, "terraform")
	body := strings.NewReplacer(pairs...).Replace(script)
	if err := os.WriteFile(bin, []byte(body), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return &Stub{Binary: bin, log: log}
}

// Calls returns the argument lines of every invocation so far.
func (s *Stub) Calls(t testing.TB) []string {
	t.Helper()
	data, err := os.ReadFile(s.log)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read stub log: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}
