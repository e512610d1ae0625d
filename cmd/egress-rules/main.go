// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// egress-rules renders the nftables ruleset for the triage host and
// prints it or writes it to a file. Apply with: nft -f <file>.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/config"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/egress"
)

func main() {
	var (
		webhookURL = flag.String("webhook-url", os.Getenv("DISCORD_WEBHOOK_URL"), "Discord webhook URL (default: DISCORD_WEBHOOK_URL)")
		resolvers  = flag.String("dns-resolvers", "", "comma-separated IPv4 resolvers (default: DNS_RESOLVERS or 1.1.1.1,8.8.8.8)")
		resolvConf = flag.String("resolv-conf", "/etc/resolv.conf", "resolv.conf to merge system resolvers from")
		output     = flag.String("output", "", "write the ruleset to this file (default: stdout)")
	)
	flag.Parse()

	if *webhookURL == "" {
		fatalf("--webhook-url or DISCORD_WEBHOOK_URL is required")
	}

	raw := *resolvers
	if raw == "" {
		raw = os.Getenv("DNS_RESOLVERS")
	}
	if raw == "" {
		raw = "1.1.1.1,8.8.8.8"
	}
	configured, err := config.ParseDNSResolvers(raw)
	if err != nil {
		fatalf("%v", err)
	}
	allowlist := egress.BuildDNSResolverAllowlist(configured, *resolvConf)

	if *output != "" {
		if err := egress.WriteRulesFile(*webhookURL, *output, allowlist); err != nil {
			fatalf("%v", err)
		}
		return
	}

	rules, err := egress.RenderRulesForWebhook(*webhookURL, allowlist)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Print(rules)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "egress-rules: "+format+"\n", args...)
	os.Exit(1)
}
