package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
)

// RedisIndex implements Index against Redis GEO commands. Positions live
// in one GEOADD key; availability flags in a per-driver hash; the claim
// is a SET NX on a per-driver key, which keeps it atomic across
// processes.
type RedisIndex struct {
	client *redis.Client
	geoKey string
}

func NewRedisIndex(addr, password, geoKey string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, geoKey: geoKey}
}

func metaKey(id string) string  { return "driver:meta:" + id }
func claimKey(id string) string { return "driver:claim:" + id }

// upsertScript writes position and meta only when the incoming update
// is at least as new as the stored one. The check and the writes run as
// one script, so last-writer-wins holds across the HTTP server and the
// location consumer. Timestamps are unix nanos.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated')
if cur and tonumber(cur) and tonumber(ARGV[1]) < tonumber(cur) then
	return 0
end
redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[3], ARGV[4])
redis.call('HSET', KEYS[1], 'online', ARGV[5], 'available', ARGV[6], 'updated', ARGV[1])
return 1
`)

func (r *RedisIndex) Upsert(ctx context.Context, d models.DriverAvailability) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	err := upsertScript.Run(ctx, r.client,
		[]string{metaKey(d.DriverID), r.geoKey},
		d.Updated.UnixNano(),
		d.Loc.Lon, d.Loc.Lat, d.DriverID,
		strconv.FormatBool(d.Online), strconv.FormatBool(d.Available),
	).Err()
	if err != nil {
		return apperr.External("redis", "upsert", true, err)
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, driverID string) (models.DriverAvailability, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverAvailability{}, apperr.External("redis", "hgetall", true, err)
	}
	if len(m) == 0 {
		return models.DriverAvailability{}, apperr.NotFound("driver", driverID)
	}
	d := models.DriverAvailability{DriverID: driverID}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	if v, ok := m["updated"]; ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			d.Updated = time.Unix(0, ns)
		}
	}
	if rid, err := r.client.Get(ctx, claimKey(driverID)).Result(); err == nil {
		d.ActiveRescueID = rid
		d.Available = false
	}
	if pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisIndex) Nearby(ctx context.Context, origin models.Coord, radiusMiles float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusMiles,
			RadiusUnit: "mi",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, apperr.External("redis", "geosearch", true, err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || meta["online"] != "true" || meta["available"] != "true" {
			continue
		}
		// skip drivers already claimed by another rescue
		if n, err := r.client.Exists(ctx, claimKey(g.Name)).Result(); err != nil || n > 0 {
			continue
		}
		out = append(out, Candidate{
			Driver: models.DriverAvailability{
				DriverID:  g.Name,
				Loc:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
				Online:    true,
				Available: true,
			},
			DistanceMiles: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisIndex) Claim(ctx context.Context, driverID, rescueID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, claimKey(driverID), rescueID, 0).Result()
	if err != nil {
		return false, apperr.External("redis", "setnx", true, err)
	}
	if ok {
		_ = r.client.HSet(ctx, metaKey(driverID), "available", "false").Err()
	}
	return ok, nil
}

func (r *RedisIndex) Release(ctx context.Context, driverID string) error {
	if err := r.client.Del(ctx, claimKey(driverID)).Err(); err != nil {
		return apperr.External("redis", "del", true, err)
	}
	if online, err := r.client.HGet(ctx, metaKey(driverID), "online").Result(); err == nil && online == "true" {
		_ = r.client.HSet(ctx, metaKey(driverID), "available", "true").Err()
	}
	return nil
}

func (r *RedisIndex) Close() error { return r.client.Close() }
