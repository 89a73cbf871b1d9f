package store

import (
	"database/sql"
	"errors"
)

// Playlist item statuses.
const (
	StatusQueued  = "STATUS_QUEUED"
	StatusPlaying = "STATUS_PLAYING"
	StatusDone    = "STATUS_DONE"
	StatusDeleted = "STATUS_DELETED"
)

// Playlist item types.
const (
	TypeVideo        = "TYPE_VIDEO"
	TypeChannelVideo = "TYPE_CHANNEL_VIDEO"
)

// ChannelVideoPriority is SQLite's maximum integer. Channel videos sort
// ahead of every regular video so a remote button press preempts the queue.
const ChannelVideoPriority = 1<<63 - 1

// PlaylistItem is one row of the queue.
type PlaylistItem struct {
	ID            int64
	Type          string
	CreatedAt     string
	URL           string
	Thumbnail     string
	Title         string
	Duration      string
	Status        string
	SkipRequested bool
	Settings      string
	Priority      int64
}

// PlaylistItemMeta carries the display metadata captured at enqueue time.
type PlaylistItemMeta struct {
	Thumbnail string
	Title     string
	Duration  string
	Settings  string
}

// Playlist is the persistent ordered queue. The queue is ordered by
// (priority DESC, id ASC); ids are the autoincremented rowid, so equal
// priorities play in insertion order.
type Playlist struct {
	db *DB
}

// NewPlaylist returns the playlist view over db.
func NewPlaylist(db *DB) *Playlist {
	return &Playlist{db: db}
}

// Enqueue inserts a new queued item and returns its id. Channel videos get
// the sentinel priority; regular videos get 0.
func (p *Playlist) Enqueue(url string, meta PlaylistItemMeta, videoType string) (int64, error) {
	priority := int64(0)
	if videoType == TypeChannelVideo {
		priority = ChannelVideoPriority
	}
	res, err := p.db.sql.Exec(
		"INSERT INTO playlist_videos (url, thumbnail, title, duration, status, settings, type, priority) "+
			"VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
		url, meta.Thumbnail, meta.Title, meta.Duration, StatusQueued, meta.Settings, videoType, priority)
	if err != nil {
		return 0, wrapBusy(err)
	}
	return res.LastInsertId()
}

const itemColumns = "id, type, created_at, url, thumbnail, title, duration, status, skip_requested, settings, priority"

func scanItem(row *sql.Row) (*PlaylistItem, error) {
	var it PlaylistItem
	var skip int
	err := row.Scan(&it.ID, &it.Type, &it.CreatedAt, &it.URL, &it.Thumbnail, &it.Title,
		&it.Duration, &it.Status, &skip, &it.Settings, &it.Priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapBusy(err)
	}
	it.SkipRequested = skip != 0
	return &it, nil
}

// GetNext returns the queued item that should play next, or nil if the
// queue is empty.
func (p *Playlist) GetNext() (*PlaylistItem, error) {
	return scanItem(p.db.sql.QueryRow(
		"SELECT "+itemColumns+" FROM playlist_videos WHERE status = ? "+
			"ORDER BY priority DESC, id ASC LIMIT 1", StatusQueued))
}

// GetCurrent returns the playing item, or nil if nothing is playing.
func (p *Playlist) GetCurrent() (*PlaylistItem, error) {
	return scanItem(p.db.sql.QueryRow(
		"SELECT "+itemColumns+" FROM playlist_videos WHERE status = ? LIMIT 1", StatusPlaying))
}

// Get returns the item with the given id, or nil.
func (p *Playlist) Get(id int64) (*PlaylistItem, error) {
	return scanItem(p.db.sql.QueryRow(
		"SELECT "+itemColumns+" FROM playlist_videos WHERE id = ?", id))
}

// SetCurrent atomically moves an item from QUEUED to PLAYING. It reports
// false when the item was concurrently removed; playback must only start on
// success.
func (p *Playlist) SetCurrent(id int64) (bool, error) {
	res, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET status = ? WHERE status = ? AND id = ?",
		StatusPlaying, StatusQueued, id)
	if err != nil {
		return false, wrapBusy(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Skip requests a skip of the playing item with the given id. Matching on
// both status and id means a skip aimed at an already-ended item is a no-op.
func (p *Playlist) Skip(id int64) (bool, error) {
	res, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET skip_requested = 1 WHERE status = ? AND id = ?",
		StatusPlaying, id)
	if err != nil {
		return false, wrapBusy(err)
	}
	n, err := res.RowsAffected()
	return n >= 1, err
}

// Reenqueue puts an item back in the queue and clears its skip flag.
func (p *Playlist) Reenqueue(id int64) (bool, error) {
	res, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET status = ?, skip_requested = 0 WHERE id = ?",
		StatusQueued, id)
	if err != nil {
		return false, wrapBusy(err)
	}
	n, err := res.RowsAffected()
	return n >= 1, err
}

// EndVideo marks an item done.
func (p *Playlist) EndVideo(id int64) error {
	_, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET status = ? WHERE id = ?", StatusDone, id)
	return wrapBusy(err)
}

// PlayNext raises a queued item's priority above every queued regular
// video so it plays next (but still behind any channel video).
func (p *Playlist) PlayNext(id int64) (bool, error) {
	res, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET priority = ("+
			"SELECT MAX(priority)+1 FROM playlist_videos WHERE type = ? AND status = ?"+
			") WHERE id = ?",
		TypeVideo, StatusQueued, id)
	if err != nil {
		return false, wrapBusy(err)
	}
	n, err := res.RowsAffected()
	return n >= 1, err
}

// Remove deletes a queued item. CAS on status: an item that started playing
// in the meantime is not removed.
func (p *Playlist) Remove(id int64) (bool, error) {
	res, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET status = ? WHERE id = ? AND status = ?",
		StatusDeleted, id, StatusQueued)
	if err != nil {
		return false, wrapBusy(err)
	}
	n, err := res.RowsAffected()
	return n >= 1, err
}

// RemoveVideosOfType deletes all queued items of one type. Used to drop
// stale channel videos when surfing past them faster than they play.
func (p *Playlist) RemoveVideosOfType(videoType string) (bool, error) {
	res, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET status = ? WHERE status = ? AND type = ?",
		StatusDeleted, StatusQueued, videoType)
	if err != nil {
		return false, wrapBusy(err)
	}
	n, err := res.RowsAffected()
	return n >= 1, err
}

// Clear empties the queue and requests a skip of whatever is playing.
func (p *Playlist) Clear() error {
	if _, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET status = ? WHERE status = ?",
		StatusDeleted, StatusQueued); err != nil {
		return wrapBusy(err)
	}
	_, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET skip_requested = 1 WHERE status = ?", StatusPlaying)
	return wrapBusy(err)
}

// CleanUpState recovers from unclean shutdowns at startup: any row still
// marked PLAYING becomes DONE.
func (p *Playlist) CleanUpState() error {
	_, err := p.db.sql.Exec(
		"UPDATE playlist_videos SET status = ? WHERE status = ?",
		StatusDone, StatusPlaying)
	return wrapBusy(err)
}

// GetQueue returns the playing item (if any) followed by the queued items
// in play order.
func (p *Playlist) GetQueue() ([]PlaylistItem, error) {
	rows, err := p.db.sql.Query(
		"SELECT "+itemColumns+" FROM playlist_videos WHERE status IN (?, ?) "+
			"ORDER BY priority DESC, id ASC",
		StatusPlaying, StatusQueued)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	var playing, queued []PlaylistItem
	for rows.Next() {
		var it PlaylistItem
		var skip int
		if err := rows.Scan(&it.ID, &it.Type, &it.CreatedAt, &it.URL, &it.Thumbnail, &it.Title,
			&it.Duration, &it.Status, &skip, &it.Settings, &it.Priority); err != nil {
			return nil, err
		}
		it.SkipRequested = skip != 0
		if it.Status == StatusPlaying {
			playing = append(playing, it)
		} else {
			queued = append(queued, it)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return append(playing, queued...), nil
}

// ShouldSkip reports whether the item this process believes is playing has a
// pending skip request. A disagreement between the database and the caller
// about what is playing is logged and treated as no-skip.
func (p *Playlist) ShouldSkip(id int64) (bool, error) {
	current, err := p.GetCurrent()
	if err != nil || current == nil {
		return false, err
	}
	if current.ID != id {
		log.Warn("database and current process disagree about the playing item",
			"db_id", current.ID, "process_id", id)
		return false, nil
	}
	return current.SkipRequested, nil
}
