package models

// Result is a fetched page reduced to its readable text.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Byline      string `json:"byline,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
	Text        string `json:"text"`
	TopImage    string `json:"top_image,omitempty"`
	HTMLHash    string `json:"html_hash"`
	Status      int    `json:"status"`
	RenderMS    int    `json:"render_ms"`
	Truncated   bool   `json:"truncated,omitempty"`
}
