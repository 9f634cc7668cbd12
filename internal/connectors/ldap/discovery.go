package ldap

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/logging"
)

// lookupSRVFunc matches net.Resolver.LookupSRV.
type lookupSRVFunc func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

type srvService struct {
	service string
	useTLS  bool
}

// Services in preference order. A global catalog is a last resort because it
// carries a partial attribute set.
var srvServices = []srvService{
	{"ldaps", true},
	{"ldap", false},
	{"gc", false},
}

// discoverServers resolves the domain controllers of domain into LDAP URLs.
// LDAPS records win outright; without any record the domain name itself is
// tried on the standard ports.
func discoverServers(ctx context.Context, lookup lookupSRVFunc, domain string) ([]string, error) {
	if domain == "" {
		return nil, errors.New("domain cannot be empty")
	}
	if lookup == nil {
		lookup = net.DefaultResolver.LookupSRV
	}

	start := time.Now()
	var found []*serverInfo

	for _, svc := range srvServices {
		_, records, err := lookup(ctx, svc.service, "tcp", domain)
		if err != nil || len(records) == 0 {
			tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "SRV lookup returned nothing", map[string]any{
				"service": "_" + svc.service + "._tcp." + domain,
				"error":   fmt.Sprint(err),
			})
			continue
		}

		// Lower priority first, heavier weight first within a priority.
		slices.SortStableFunc(records, func(a, b *net.SRV) int {
			if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
				return c
			}
			return cmp.Compare(b.Weight, a.Weight)
		})
		for _, r := range records {
			found = append(found, &serverInfo{
				Host:   strings.TrimSuffix(r.Target, "."),
				Port:   int(r.Port),
				UseTLS: svc.useTLS,
			})
		}

		if svc.useTLS {
			break
		}
	}

	if len(found) == 0 {
		found = []*serverInfo{
			{Host: domain, Port: 636, UseTLS: true},
			{Host: domain, Port: 389},
		}
	}

	urls := make([]string, 0, len(found))
	for _, s := range found {
		urls = append(urls, s.URL())
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Server discovery completed", map[string]any{
		"domain":   domain,
		"servers":  urls,
		"duration": time.Since(start).String(),
	})
	return urls, nil
}
