package endpoint

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// ResolvConf is the resolver configuration read by SystemSRVLookup.
const ResolvConf = "/etc/resolv.conf"

// SRVLookup resolves DNS SRV records.
type SRVLookup interface {
	LookupSRV(ctx context.Context, name string) ([]*dns.SRV, error)
}

// DNSLookup queries SRV records from explicit name servers.
type DNSLookup struct {
	// Servers are "host:port" name server addresses, tried in order.
	Servers []string
	Client  *dns.Client
}

// SystemSRVLookup returns a lookup using the name servers in ResolvConf,
// falling back to a local resolver when the file cannot be read.
func SystemSRVLookup() *DNSLookup {
	l := &DNSLookup{Client: &dns.Client{Timeout: 5 * time.Second}}
	cfg, err := dns.ClientConfigFromFile(ResolvConf)
	if err != nil {
		log.Debug().Err(err).Msg("reading resolver configuration")
		l.Servers = []string{"127.0.0.1:53"}
		return l
	}
	for _, s := range cfg.Servers {
		l.Servers = append(l.Servers, net.JoinHostPort(s, cfg.Port))
	}
	return l
}

// LookupSRV implements SRVLookup. Records are returned ordered by priority
// ascending, then weight descending.
func (l *DNSLookup) LookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	if len(l.Servers) == 0 {
		return nil, fmt.Errorf("no name servers configured")
	}
	client := l.Client
	if client == nil {
		client = new(dns.Client)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range l.Servers {
		resp, _, err := client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", name, dns.RcodeToString[resp.Rcode])
			continue
		}

		var records []*dns.SRV
		for _, rr := range resp.Answer {
			if srv, ok := rr.(*dns.SRV); ok {
				records = append(records, srv)
			}
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%s: no SRV records", name)
		}
		sortSRV(records)
		return records, nil
	}
	return nil, fmt.Errorf("SRV lookup %s: %w", name, lastErr)
}

func sortSRV(records []*dns.SRV) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
}

// expandSRV turns srv://_service._tcp.domain/path into one https URL per
// SRV target.
func expandSRV(ctx context.Context, lookup SRVLookup, u *url.URL) ([]*url.URL, error) {
	records, err := lookup.LookupSRV(ctx, u.Hostname())
	if err != nil {
		return nil, err
	}
	path := u.Path
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	out := make([]*url.URL, 0, len(records))
	for _, rec := range records {
		target := strings.TrimSuffix(rec.Target, ".")
		if target == "" {
			continue
		}
		out = append(out, &url.URL{
			Scheme: "https",
			Host:   net.JoinHostPort(target, strconv.Itoa(int(rec.Port))),
			Path:   path,
		})
	}
	return out, nil
}
