// Package epsg validates the source reference systems accepted for
// conversion inputs. Submissions are checked here so an unknown system is a
// 400 at the API instead of a tool failure minutes into a pipeline.
package epsg

import (
	"fmt"
	"strconv"
	"strings"
)

// proj4 definitions for supported codes, keyed by numeric EPSG code
var supported = map[int]string{
	4326:  "+proj=longlat +datum=WGS84 +no_defs",
	3857:  "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +nadgrids=@null +no_defs",
	4258:  "+proj=longlat +ellps=GRS80 +no_defs",
	2056:  "+proj=somerc +lat_0=46.95240555555556 +lon_0=7.439583333333333 +k_0=1 +x_0=2600000 +y_0=1200000 +ellps=bessel +towgs84=674.374,15.056,405.346,0,0,0,0 +units=m +no_defs",
	2154:  "+proj=lcc +lat_0=46.5 +lon_0=3 +lat_1=49 +lat_2=44 +x_0=700000 +y_0=6600000 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	25832: "+proj=utm +zone=32 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	25833: "+proj=utm +zone=33 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	27700: "+proj=tmerc +lat_0=49 +lon_0=-2 +k=0.9996012717 +x_0=400000 +y_0=-100000 +ellps=airy +units=m +no_defs",
	28992: "+proj=sterea +lat_0=52.15616055555555 +lon_0=5.38763888888889 +k=0.9999079 +x_0=155000 +y_0=463000 +ellps=bessel +units=m +no_defs",
	31287: "+proj=lcc +lat_0=47.5 +lon_0=13.33333333333333 +lat_1=49 +lat_2=46 +x_0=400000 +y_0=400000 +ellps=bessel +units=m +no_defs",
	32632: "+proj=utm +zone=32 +datum=WGS84 +units=m +no_defs",
	32633: "+proj=utm +zone=33 +datum=WGS84 +units=m +no_defs",
	5514:  "+proj=krovak +lat_0=49.5 +lon_0=24.83333333333333 +alpha=30.28813972222222 +k=0.9999 +x_0=0 +y_0=0 +ellps=bessel +units=m +no_defs",
}

// Parse extracts the numeric code from an "EPSG:nnnn" identifier
func Parse(srs string) (int, error) {
	rest, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(srs)), "EPSG:")
	if !ok {
		return 0, fmt.Errorf("reference system %q must use the EPSG:<code> form", srs)
	}

	code, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid EPSG code %q", rest)
	}

	return code, nil
}

// Validate reports whether the identifier names a supported system
func Validate(srs string) error {
	code, err := Parse(srs)
	if err != nil {
		return err
	}

	if _, ok := supported[code]; !ok {
		return fmt.Errorf("EPSG:%d is not a supported source reference system", code)
	}

	return nil
}

// Proj4 returns the proj4 definition for a supported identifier
func Proj4(srs string) (string, error) {
	code, err := Parse(srs)
	if err != nil {
		return "", err
	}

	def, ok := supported[code]
	if !ok {
		return "", fmt.Errorf("EPSG:%d is not a supported source reference system", code)
	}

	return def, nil
}
