package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultResolver is the local stub resolver queried for relay SRV records.
const DefaultResolver = "127.0.0.53:53"

// RelayService is the SRV service label relays are published under.
const RelayService = "_recovery-relay._tcp."

// DiscoverRelays resolves relay endpoints for domain using DNS SRV records
// (_recovery-relay._tcp.<domain>). Records are ordered by priority, then weight.
// Each target is returned as a wss:// URL including the advertised port.
func DiscoverRelays(ctx context.Context, domain, resolver string) ([]string, error) {
	if resolver == "" {
		resolver = DefaultResolver
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(RelayService+strings.TrimSuffix(domain, ".")), dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay SRV records for %s: %w", domain, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("relay SRV query for %s failed: %s", domain, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	relays := make([]string, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		relays = append(relays, "wss://"+net.JoinHostPort(host, strconv.Itoa(int(srv.Port))))
	}
	return relays, nil
}
