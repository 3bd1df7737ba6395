package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"googlemaps.github.io/maps"
)

// getWiFiAccessPoints retrieves nearby WiFi access points using nmcli.
func getWiFiAccessPoints(ctx context.Context) ([]maps.WiFiAccessPoint, error) {
	if _, err := exec.LookPath("nmcli"); err != nil {
		return nil, fmt.Errorf("nmcli not found: %w", err)
	}

	output, err := exec.CommandContext(ctx, "nmcli", "-t", "-f", "BSSID,SIGNAL", "dev", "wifi", "list").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run nmcli: %w", err)
	}
	return parseNmcliAccessPoints(string(output))
}

// parseNmcliAccessPoints parses nmcli terse output, where colons inside a field are escaped as "\:".
func parseNmcliAccessPoints(output string) ([]maps.WiFiAccessPoint, error) {
	var aps []maps.WiFiAccessPoint

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := splitTerse(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		mac := strings.ToUpper(strings.TrimSpace(fields[0]))
		if !isValidMAC(mac) {
			continue
		}
		signal, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			continue
		}
		aps = append(aps, maps.WiFiAccessPoint{
			MACAddress:     mac,
			SignalStrength: float64(signal),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan nmcli output: %w", err)
	}
	return aps, nil
}

func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

// getCellTowers retrieves the serving cell of the given modem using mmcli.
func getCellTowers(ctx context.Context, modemIndex int) ([]maps.CellTower, error) {
	if _, err := exec.LookPath("mmcli"); err != nil {
		return nil, fmt.Errorf("mmcli not found: %w", err)
	}

	output, err := exec.CommandContext(ctx, "mmcli", "-m", strconv.Itoa(modemIndex), "--location-get", "--output-keyvalue").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run mmcli for modem %d: %w", modemIndex, err)
	}
	return parseMmcliLocation(string(output))
}

// parseMmcliLocation reads the 3GPP location block of `mmcli --location-get --output-keyvalue`.
func parseMmcliLocation(output string) ([]maps.CellTower, error) {
	var tower maps.CellTower

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" || value == "--" {
			continue
		}

		switch key {
		case "modem.location.3gpp.mcc":
			if v, err := strconv.Atoi(value); err == nil {
				tower.MobileCountryCode = v
			}
		case "modem.location.3gpp.mnc":
			if v, err := strconv.Atoi(value); err == nil {
				tower.MobileNetworkCode = v
			}
		case "modem.location.3gpp.lac", "modem.location.3gpp.tac":
			// reported in hex; LTE modems leave lac at 0000 and fill tac
			if v, err := strconv.ParseInt(value, 16, 32); err == nil && v != 0 {
				tower.LocationAreaCode = int(v)
			}
		case "modem.location.3gpp.cid":
			if v, err := strconv.ParseInt(value, 16, 64); err == nil {
				tower.CellID = int(v)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan mmcli output: %w", err)
	}

	if tower.MobileCountryCode == 0 || tower.CellID == 0 {
		return nil, errors.New("incomplete cell tower data")
	}
	return []maps.CellTower{tower}, nil
}

// isValidMAC checks if the MAC address is in a valid format (e.g., "00:14:22:01:23:45").
func isValidMAC(mac string) bool {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return false
	}
	for _, part := range parts {
		if len(part) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(part, 16, 8); err != nil {
			return false
		}
	}
	return true
}
