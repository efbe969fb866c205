package enrich

import "strings"

// OtherTopic is the catch-all topic.
const OtherTopic = "others"

var topicTable = map[string]string{
	"技术":   "tech",
	"编程":   "code",
	"社会":   "society",
	"日记":   "diary",
	"生活":   "life",
	"政治":   "politics",
	"职场":   "career",
	"旅行":   "travel",
	"人文社科": "culture",
	"学习":   "education",
	"情感":   "emotion",
	"综合":   "others",
}

var topicSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(topicTable))
	for _, english := range topicTable {
		set[english] = struct{}{}
	}
	return set
}()

// MapTopic maps a classifier label to the closed English topic set. Labels
// already in the target set map to themselves; anything else is OtherTopic.
func MapTopic(label string) string {
	label = strings.TrimSpace(label)
	if english, ok := topicTable[label]; ok {
		return english
	}
	if _, ok := topicSet[strings.ToLower(label)]; ok {
		return strings.ToLower(label)
	}
	return OtherTopic
}

// Topics returns the target topic set.
func Topics() []string {
	out := make([]string, 0, len(topicSet))
	for _, native := range []string{"技术", "编程", "社会", "日记", "生活", "政治", "职场", "旅行", "人文社科", "学习", "情感", "综合"} {
		out = append(out, topicTable[native])
	}
	return out
}
