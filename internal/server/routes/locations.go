package routes

import (
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/galley/internal/lock"
	"github.com/any-hub/galley/internal/server"
)

// RegisterLocationRoutes 暴露 /-/locations 诊断接口，供 SRE 查询 Location/Group 配置与运行状态。
func RegisterLocationRoutes(app *fiber.App, rt *server.Runtime) {
	if app == nil || rt == nil || rt.Registry == nil {
		return
	}

	app.Get("/-/locations", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"backend":     rt.Backend,
			"locations":   encodeRoutes(rt.Registry.List()),
			"nfc_entries": nfcEntries(rt),
		}
		if rt.Owners != nil {
			payload["owners"] = encodeOwners(rt.Owners.Records())
		}
		return c.JSON(payload)
	})

	app.Get("/-/locations/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "location_name_required"})
		}
		route, ok := rt.Registry.Lookup(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "location_not_found"})
		}
		return c.JSON(encodeRoute(*route))
	})
}

type locationPayload struct {
	Name      string             `json:"name"`
	Group     bool               `json:"group"`
	URI       string             `json:"uri,omitempty"`
	Members   []string           `json:"members,omitempty"`
	AuthMode  string             `json:"auth_mode,omitempty"`
	Flags     *capabilityPayload `json:"capabilities,omitempty"`
	TimeoutMS int64              `json:"timeout_ms,omitempty"`
	// CacheTimeoutSeconds 为 0 表示缓存副本永不过期。
	CacheTimeoutSeconds int64 `json:"cache_timeout_seconds"`
}

type capabilityPayload struct {
	Downloading bool `json:"downloading"`
	Publishing  bool `json:"publishing"`
	Storing     bool `json:"storing"`
	Snapshots   bool `json:"snapshots"`
	Releases    bool `json:"releases"`
	Deletion    bool `json:"deletion"`
}

type ownerPayload struct {
	Key  string `json:"key"`
	Node string `json:"node"`
}

func encodeRoutes(routes []server.Route) []locationPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Group != routes[j].Group {
			return !routes[i].Group
		}
		return routes[i].Name < routes[j].Name
	})
	result := make([]locationPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeRoute(route))
	}
	return result
}

func encodeRoute(route server.Route) locationPayload {
	if route.Group {
		members := make([]string, 0, len(route.Locations))
		for _, loc := range route.Locations {
			members = append(members, loc.Name())
		}
		return locationPayload{Name: route.Name, Group: true, Members: members}
	}
	loc := route.Locations[0]
	return locationPayload{
		Name:     route.Name,
		URI:      loc.Key(),
		AuthMode: route.Config.AuthMode(),
		Flags: &capabilityPayload{
			Downloading: loc.AllowsDownloading(),
			Publishing:  loc.AllowsPublishing(),
			Storing:     loc.AllowsStoring(),
			Snapshots:   loc.AllowsSnapshots(),
			Releases:    loc.AllowsReleases(),
			Deletion:    loc.AllowsDeletion(),
		},
		TimeoutMS:           loc.Timeout().Milliseconds(),
		CacheTimeoutSeconds: int64(loc.CacheTimeout() / time.Second),
	}
}

func encodeOwners(records []lock.Record) []ownerPayload {
	result := make([]ownerPayload, 0, len(records))
	for _, rec := range records {
		result = append(result, ownerPayload{Key: rec.Key, Node: rec.Node})
	}
	return result
}

func nfcEntries(rt *server.Runtime) int {
	if rt.NFC == nil {
		return 0
	}
	return len(rt.NFC.Entries())
}
