package terraform

import (
	"strings"

	"caflz/api/model"
)

var resourceKinds = map[string]string{
	"azurerm_resource_group":          "resource_groups",
	"azurerm_virtual_network":         "virtual_networks",
	"azurerm_subnet":                  "subnets",
	"azurerm_network_security_group":  "network_security_groups",
	"azurerm_route_table":             "route_tables",
	"azurerm_firewall":                "firewalls",
	"azurerm_bastion_host":            "bastion_hosts",
	"azurerm_key_vault":               "key_vaults",
	"azurerm_log_analytics_workspace": "log_analytics_workspaces",
	"azurerm_storage_account":         "storage_accounts",
	"azurerm_private_dns_zone":        "private_dns_zones",
}

// ParseResources scans apply output for created resources of known kinds.
// Lines it does not understand are skipped.
func ParseResources(output string) *model.ResourceSummary {
	sum := &model.ResourceSummary{Resources: map[string][]string{}}
	seen := map[string]bool{}
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "created") && !strings.Contains(lower, "creation complete") {
			continue
		}
		addr := lineAddress(line)
		if addr == "" || seen[addr] {
			continue
		}
		kind, ok := resourceKinds[resourceType(addr)]
		if !ok {
			continue
		}
		seen[addr] = true
		sum.Resources[kind] = append(sum.Resources[kind], addr)
		sum.Count++
	}
	return sum
}

// lineAddress returns the first field of a line, ignoring a leading "#".
func lineAddress(line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) > 0 && fields[0] == "#" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], ":")
}

func resourceType(addr string) string {
	parts := strings.Split(addr, ".")
	for i := 0; i < len(parts); {
		switch parts[i] {
		case "module":
			i += 2
		case "data":
			return ""
		default:
			if i+1 >= len(parts) {
				return ""
			}
			return parts[i]
		}
	}
	return ""
}
