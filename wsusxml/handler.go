package wsusxml

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/quay/ussync"
)

// HandlerTypes is the closed registry of supported HandlerSpecificData
// xsi:type values, keyed by the local part of the QName. An update
// advertising anything else fails the parse: silently carrying an update
// whose install handler is not understood would hand downstream clients
// metadata this server cannot vouch for.
var handlerTypes = map[string]ussync.HandlerType{
	"CommandLineInstallation": ussync.HandlerCommandLine,
	"Cbs":                     ussync.HandlerCbs,
	"Category":                ussync.HandlerCategory,
	"WindowsInstallerApp":     ussync.HandlerWindowsInstallerApp,
	"WindowsInstaller":        ussync.HandlerWindowsInstaller,
	"OSInstallerMetadata":     ussync.HandlerOSInstaller,
	"WindowsPatch":            ussync.HandlerWindowsPatch,
	"WindowsSetup":            ussync.HandlerWindowsSetup,
}

type handlerData struct {
	Type  string `xml:"http://www.w3.org/2001/XMLSchema-instance type,attr"`
	Inner []byte `xml:",innerxml"`
}

func (h *handlerData) into() (*ussync.Handler, string, error) {
	local := h.Type
	if i := strings.IndexByte(local, ':'); i != -1 {
		local = local[i+1:]
	}
	typ, ok := handlerTypes[local]
	if !ok {
		return nil, "", &ussync.UnknownHandlerTypeError{Type: h.Type}
	}
	out := ussync.Handler{
		Type: typ,
		Raw:  bytes.TrimSpace(h.Inner),
	}
	var catType string
	if typ == ussync.HandlerCategory {
		ct, err := categoryType(h.Inner)
		if err != nil {
			return nil, "", err
		}
		catType = ct
	}
	return &out, catType, nil
}

// CategoryType extracts CategoryInformation/@CategoryType from a Category
// handler block.
func categoryType(inner []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", &ussync.ParseError{
				XPath:  "HandlerSpecificData/CategoryInformation",
				Reason: "missing CategoryInformation element",
			}
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "CategoryInformation" {
			continue
		}
		for _, a := range se.Attr {
			if a.Name.Local == "CategoryType" {
				return a.Value, nil
			}
		}
		return "", &ussync.ParseError{
			XPath:  "HandlerSpecificData/CategoryInformation/@CategoryType",
			Reason: "missing",
		}
	}
}

// Classify decides the package variant.
//
// Category handlers map through CategoryType; driver metadata blocks or an
// UpdateType of Driver make a driver update; everything else is software.
func classify(h *ussync.Handler, catType, updateType string, hasDriver bool) (ussync.Kind, error) {
	if h != nil && h.Type == ussync.HandlerCategory {
		switch catType {
		case "Product", "ProductFamily", "Company":
			return ussync.KindProduct, nil
		case "UpdateClassification":
			return ussync.KindClassification, nil
		case "Detectoid", "PrerequisiteDetectoid":
			return ussync.KindDetectoid, nil
		}
		return ussync.KindUnknown, &ussync.ParseError{
			XPath:  "HandlerSpecificData/CategoryInformation/@CategoryType",
			Reason: "unknown category type " + catType,
		}
	}
	if hasDriver || strings.EqualFold(updateType, "Driver") {
		return ussync.KindDriver, nil
	}
	return ussync.KindSoftware, nil
}
