package lifecycle

import (
	"fmt"
	"os"
	"sort"

	"github.com/beevik/etree"
)

// WritePoolFileCatalog writes a POOL file catalog mapping GUIDs to local
// PFNs. files maps GUID -> path.
func WritePoolFileCatalog(files map[string]string, path string) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="no"`)
	doc.CreateDirective(`DOCTYPE POOLFILECATALOG SYSTEM "InMemory"`)

	catalog := doc.CreateElement("POOLFILECATALOG")

	guids := make([]string, 0, len(files))
	for guid := range files {
		guids = append(guids, guid)
	}
	sort.Strings(guids)

	for _, guid := range guids {
		file := catalog.CreateElement("File")
		file.CreateAttr("ID", guid)
		physical := file.CreateElement("physical")
		pfn := physical.CreateElement("pfn")
		pfn.CreateAttr("filetype", "ROOT_All")
		pfn.CreateAttr("name", files[guid])
		file.CreateElement("logical")
	}

	doc.Indent(2)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("lifecycle: create pool file catalog: %w", err)
	}
	defer f.Close()
	if _, err := doc.WriteTo(f); err != nil {
		return fmt.Errorf("lifecycle: write pool file catalog: %w", err)
	}
	return f.Close()
}

// ReadPoolFileCatalog parses a catalog back into a GUID -> PFN map. The
// recovery path uses it to rebuild input bookkeeping.
func ReadPoolFileCatalog(path string) (map[string]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("lifecycle: read pool file catalog: %w", err)
	}

	files := make(map[string]string)
	for _, file := range doc.FindElements("//POOLFILECATALOG/File") {
		guid := file.SelectAttrValue("ID", "")
		if guid == "" {
			continue
		}
		if pfn := file.FindElement("physical/pfn"); pfn != nil {
			files[guid] = pfn.SelectAttrValue("name", "")
		}
	}
	return files, nil
}
