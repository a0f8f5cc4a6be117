package wsusxml

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// CollectDriverMetadata scans a whole update fragment for driver-metadata
// blocks. The schema has moved these between HandlerSpecificData and
// ApplicabilityRules/Metadata across revisions, so they are matched on local
// name wherever they occur.
func collectDriverMetadata(raw []byte) ([]ussync.DriverMetadata, error) {
	var out []ussync.DriverMetadata
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out, nil
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "WindowsDriverMetaData", "DriverMetaData":
		default:
			continue
		}
		var w driverMetaData
		if err := dec.DecodeElement(&w, &se); err != nil {
			return nil, &ussync.ParseError{XPath: "DriverMetaData", Reason: err.Error()}
		}
		dm, err := w.into()
		if err != nil {
			return nil, err
		}
		out = append(out, *dm)
	}
}

type driverMetaData struct {
	HardwareID       string `xml:"HardwareID,attr"`
	WhqlDriverID     string `xml:"WhqlDriverID,attr"`
	Manufacturer     string `xml:"Manufacturer,attr"`
	Company          string `xml:"Company,attr"`
	Provider         string `xml:"Provider,attr"`
	DriverVerDate    string `xml:"DriverVerDate,attr"`
	DriverVerVersion string `xml:"DriverVerVersion,attr"`
	Class            string `xml:"Class,attr"`

	FeatureScores []struct {
		OperatingSystem string `xml:"OperatingSystem,attr"`
		FeatureScore    string `xml:"FeatureScore,attr"`
	} `xml:"FeatureScore"`
	TargetCHIDs []struct {
		Value string `xml:",chardata"`
	} `xml:"TargetComputerHardwareId"`
	DistributionCHIDs []struct {
		Value string `xml:",chardata"`
	} `xml:"DistributionComputerHardwareId"`
}

func (w *driverMetaData) into() (*ussync.DriverMetadata, error) {
	if w.HardwareID == "" {
		return nil, &ussync.ParseError{XPath: "DriverMetaData/@HardwareID", Reason: "missing"}
	}
	dm := ussync.DriverMetadata{
		HardwareID:       w.HardwareID,
		WhqlDriverID:     w.WhqlDriverID,
		Manufacturer:     w.Manufacturer,
		Company:          w.Company,
		Provider:         w.Provider,
		DriverVerVersion: w.DriverVerVersion,
		Class:            w.Class,
	}
	if w.DriverVerDate != "" {
		ts, err := parseDriverDate(w.DriverVerDate)
		if err != nil {
			return nil, &ussync.ParseError{XPath: "DriverMetaData/@DriverVerDate", Reason: err.Error()}
		}
		dm.DriverVerDate = ts
	}
	for _, fs := range w.FeatureScores {
		score, err := parseScore(fs.FeatureScore)
		if err != nil {
			return nil, &ussync.ParseError{XPath: "DriverMetaData/FeatureScore", Reason: err.Error()}
		}
		dm.FeatureScores = append(dm.FeatureScores, ussync.DriverScore{
			OperatingSystem: fs.OperatingSystem,
			Score:           score,
		})
	}
	for _, t := range w.TargetCHIDs {
		if v := strings.TrimSpace(t.Value); v != "" {
			dm.TargetComputerHardwareIDs = append(dm.TargetComputerHardwareIDs, v)
		}
	}
	for _, d := range w.DistributionCHIDs {
		v := strings.TrimSpace(d.Value)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, &ussync.ParseError{XPath: "DriverMetaData/DistributionComputerHardwareId", Reason: err.Error()}
		}
		dm.DistributionComputerHardwareIDs = append(dm.DistributionComputerHardwareIDs, id)
	}
	return &dm, nil
}

// ParseScore accepts both the decimal and 0x-prefixed hex spellings seen in
// published metadata.
func parseScore(v string) (uint8, error) {
	v = strings.TrimSpace(v)
	base := 10
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		v, base = v[2:], 16
	}
	n, err := strconv.ParseUint(v, base, 8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

func parseDriverDate(v string) (time.Time, error) {
	if ts, err := time.Parse("2006-01-02", v); err == nil {
		return ts.UTC(), nil
	}
	return parseTime(v)
}
