// Package manifest writes the MHL XML hash list and the flat xxHash.txt
// summary that a copy job leaves behind in each destination root, and
// recovers a previously-recorded checksum from an existing MHL when a file
// is skipped rather than re-read. encoding/xml is used because no XML
// library appears anywhere in the example corpus — this is a deliberate
// stdlib choice, not an oversight.
package manifest

import (
	"encoding/xml"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ottomatic-io/ocopy/internal/types"
)

const timeLayout = "2006-01-02T15:04:05Z"

// hashList mirrors the MHL 1.1 document shape produced by create_mhl/
// file_info2mhl_hash in the original.
type hashList struct {
	XMLName     xml.Name      `xml:"hashlist"`
	Version     string        `xml:"version,attr"`
	CreatorInfo creatorInfo   `xml:"creatorinfo"`
	Hashes      []hashElement `xml:"hash"`
}

type creatorInfo struct {
	Name       string `xml:"name"`
	Username   string `xml:"username"`
	Hostname   string `xml:"hostname"`
	Tool       string `xml:"tool"`
	StartDate  string `xml:"startdate"`
	FinishDate string `xml:"finishdate"`
}

type hashElement struct {
	File                 string `xml:"file"`
	Size                 int64  `xml:"size"`
	XXHash64BE           string `xml:"xxhash64be"`
	LastModificationDate string `xml:"lastmodificationdate"`
	HashDate             string `xml:"hashdate"`
}

// Write emits the MHL file and xxHash.txt into every destination root,
// covering the files copied from sourceRoot during [start, finish]. files
// must be exactly the FileInfos of successful copies. Entries are written
// sorted by source path.
func Write(destRoots []string, files []types.FileInfo, sourceRoot string, start, finish time.Time) error {
	files = types.NewSortedFileInfos(files).Items()
	doc := buildHashList(files, sourceRoot, start, finish)

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mhl: %w", err)
	}
	body = append([]byte(xml.Header), body...)
	body = append(body, '\n')

	summary := buildSummary(files)

	finishUTC := finish.UTC()
	for _, root := range destRoots {
		mhlName := fmt.Sprintf("%s_%s.mhl", filepath.Base(filepath.Clean(root)), finishUTC.Format("2006-01-02_150405"))
		if err := os.WriteFile(filepath.Join(root, mhlName), body, 0o644); err != nil {
			return fmt.Errorf("write mhl to %s: %w", root, err)
		}
		if err := os.WriteFile(filepath.Join(root, "xxHash.txt"), []byte(summary), 0o644); err != nil {
			return fmt.Errorf("write xxHash.txt to %s: %w", root, err)
		}
	}
	return nil
}

func buildHashList(files []types.FileInfo, sourceRoot string, start, finish time.Time) hashList {
	finishStr := finish.UTC().Format(timeLayout)
	doc := hashList{
		Version: "1.1",
		CreatorInfo: creatorInfo{
			Name:       userDisplayName(),
			Username:   userLoginName(),
			Hostname:   hostname(),
			Tool:       "o/COPY",
			StartDate:  start.UTC().Format(timeLayout),
			FinishDate: finishStr,
		},
	}
	for _, f := range files {
		rel, err := filepath.Rel(sourceRoot, f.Path)
		if err != nil {
			rel = f.Path
		}
		doc.Hashes = append(doc.Hashes, hashElement{
			File:                 filepath.ToSlash(rel),
			Size:                 f.Size,
			XXHash64BE:           f.Hash,
			LastModificationDate: f.ModTime.UTC().Format(timeLayout),
			HashDate:             finishStr,
		})
	}
	return doc
}

func buildSummary(files []types.FileInfo) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString(f.Hash)
		b.WriteByte(' ')
		b.WriteString(filepath.Base(f.Path))
		b.WriteByte('\n')
	}
	return b.String()
}

// FindHash searches upward from dst's directory (stopping at a filesystem
// mount boundary, mirroring find_dot_xxhash's upward walk) and, in each
// directory that holds *.mhl files, looks in the lexically last one for the
// entry whose <file> path matches dst's path relative to that directory.
// The first match wins; a directory whose manifest has no matching entry
// does not stop the search. Returns an error if no manifest or no matching
// entry was found — callers in this module treat that as "nothing to
// recover", not a fatal condition.
func FindHash(dst string) (string, error) {
	dir := filepath.Dir(dst)
	for {
		mhlPath, err := newestMHL(dir)
		if err == nil {
			rel, relErr := filepath.Rel(dir, dst)
			if relErr == nil {
				hash, found, readErr := lookupHash(mhlPath, filepath.ToSlash(rel))
				if readErr == nil && found {
					return hash, nil
				}
			}
		}

		if isMountPoint(dir) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no mhl entry found for %s", dst)
}

func newestMHL(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".mhl") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no mhl in %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

func lookupHash(mhlPath, relPath string) (string, bool, error) {
	data, err := os.ReadFile(mhlPath)
	if err != nil {
		return "", false, err
	}
	var doc hashList
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", false, err
	}
	for _, h := range doc.Hashes {
		if h.File == relPath {
			return h.XXHash64BE, true, nil
		}
	}
	return "", false, nil
}

func userDisplayName() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

func userLoginName() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
