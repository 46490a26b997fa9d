package uploadform

import "github.com/dj-oyu/vehicle-counter/web-form/pkg/types"

// State is the observable view of a Form.
type State struct {
	HasFile     bool          `json:"has_file"`
	FileID      string        `json:"file_id,omitempty"`
	FileName    string        `json:"file_name,omitempty"`
	FileSize    int64         `json:"file_size,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
	PreviewURL  string        `json:"preview_url,omitempty"`
	PosterURL   string        `json:"poster_url,omitempty"`
	Processing  bool          `json:"processing"`
	CanSubmit   bool          `json:"can_submit"`
	Result      *types.Counts `json:"result"`
	Version     uint64        `json:"version"`
}

// Snapshot returns the current state.
func (f *Form) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Form) snapshotLocked() State {
	st := State{
		Processing: f.processing,
		CanSubmit:  f.file != nil && !f.processing,
		Version:    f.version,
	}
	if f.file != nil {
		st.HasFile = true
		st.FileID = f.file.ID.String()
		st.FileName = f.file.Name
		st.FileSize = f.file.Size
		st.ContentType = f.file.ContentType
		st.PreviewURL = f.previewURL
		st.PosterURL = f.previewURL + "/poster.png"
	}
	if f.result != nil {
		result := *f.result
		st.Result = &result
	}
	return st
}
